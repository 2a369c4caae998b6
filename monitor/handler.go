// Package monitor provides a read-only HTTP view of a running bus.
//
// Routes:
//
//	GET /v1/status    bus status including transport health
//	GET /v1/history   global history, oldest first
//	GET /v1/sessions  active local sessions
package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rbaliyan/tagbus"
	"github.com/rbaliyan/tagbus/envelope"
)

// Handler implements http.Handler for a bus.
type Handler struct {
	bus    *tagbus.Bus
	mux    *http.ServeMux
	logger *slog.Logger
}

// New creates a handler for bus.
func New(bus *tagbus.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		bus:    bus,
		mux:    http.NewServeMux(),
		logger: logger.With("component", "monitor>http"),
	}

	h.mux.HandleFunc("/v1/status", h.handleStatus)
	h.mux.HandleFunc("/v1/history", h.handleHistory)
	h.mux.HandleFunc("/v1/sessions", h.handleSessions)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s := h.bus.Status(r.Context())
	code := http.StatusOK
	if s.Code == tagbus.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, s)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	history := h.bus.Global().History()
	out := make([]envelope.Data, 0, len(history))
	for _, env := range history {
		out = append(out, env.Data())
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"authority": h.bus.QueryAuthority(),
		"entries":   out,
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	sessions := h.bus.Local().Sessions()
	if sessions == nil {
		sessions = []tagbus.SessionID{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
