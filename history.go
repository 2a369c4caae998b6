package tagbus

import (
	"fmt"
	"sync"
)

// HistoryBuffer keeps the most recent Global envelopes for late-joiner
// replay. It is a fixed-capacity ring: once full, each append overwrites
// the oldest entry.
type HistoryBuffer struct {
	mu      sync.Mutex
	entries []Envelope
	next    int // write index
	size    int
}

// NewHistoryBuffer creates a buffer holding up to capacity envelopes
func NewHistoryBuffer(capacity int) (*HistoryBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: history capacity must be > 0, got %d", ErrInvalidConfig, capacity)
	}
	return &HistoryBuffer{entries: make([]Envelope, capacity)}, nil
}

// Append stores env. Invalid envelopes are not stored.
func (h *HistoryBuffer) Append(env Envelope) bool {
	if !env.IsValid() {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = env
	h.next = (h.next + 1) % len(h.entries)
	if h.size < len(h.entries) {
		h.size++
	}
	return true
}

// Snapshot returns the stored envelopes oldest first
func (h *HistoryBuffer) Snapshot() []Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Envelope, 0, h.size)
	start := 0
	if h.size == len(h.entries) {
		start = h.next
	}
	for i := 0; i < h.size; i++ {
		out = append(out, h.entries[(start+i)%len(h.entries)])
	}
	return out
}

// Len returns the number of stored envelopes
func (h *HistoryBuffer) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Cap returns the capacity
func (h *HistoryBuffer) Cap() int {
	return len(h.entries)
}

// Clear drops every entry
func (h *HistoryBuffer) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.entries)
	h.next = 0
	h.size = 0
}
