// Package transport provides shared types and interfaces for peer transports.
//
// Transport implementations (loopback, ws, nats, redis) should import this
// package rather than the root tagbus package to avoid import cycles.
//
// A transport moves Global-scope envelopes between processes. It offers the
// three primitives the global bus needs:
//
//   - SendToAuthority: a client forwards a broadcast request to the host
//   - BroadcastToAllPeers: the host fans an accepted broadcast out
//   - SendToPeer: the host replays history to one late joiner
//
// A late joiner must see the replay before any live broadcast. Transports
// that implement Admitter keep a new peer out of BroadcastToAllPeers until
// it is admitted; a receiver that implements Gatekeeper admits the peer
// once its replay has been sent.
//
// Inbound traffic is handed to a Receiver as Frames. Sends are fire-and-forget;
// a frame that cannot reach a peer is dropped for that peer and never retried.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/tagbus/envelope"
)

// Transport errors
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrNotConnected    = errors.New("not connected to authority")
	ErrNotAuthority    = errors.New("only the authority can address peers")
	ErrNoReceiver      = errors.New("no receiver bound")
)

// PeerID identifies a process on the peer network.
type PeerID string

// String returns the peer id as a string.
func (p PeerID) String() string { return string(p) }

// Kind classifies a frame by the primitive that produced it.
type Kind int

const (
	// KindRequest is a client request forwarded to the authority.
	KindRequest Kind = iota + 1
	// KindBroadcast is an authoritative broadcast sent to every peer.
	KindBroadcast
	// KindReplay is a history entry sent to a single late joiner.
	KindReplay
	// KindAdmit tells a late joiner its replay is complete. Seq is the
	// last broadcast the replay covers.
	KindAdmit
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindBroadcast:
		return "broadcast"
	case KindReplay:
		return "replay"
	case KindAdmit:
		return "admit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts a kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "request":
		return KindRequest, nil
	case "broadcast":
		return KindBroadcast, nil
	case "replay":
		return KindReplay, nil
	case "admit":
		return KindAdmit, nil
	}
	return 0, fmt.Errorf("unknown frame kind %q", s)
}

// Frame is an envelope in flight between two peers. Seq numbers the
// broadcasts of one authority on transports that need it to order a
// replay against live traffic; it is zero elsewhere.
type Frame struct {
	Kind     Kind
	From     PeerID
	Seq      uint64
	Envelope envelope.Envelope
}

// Transport carries Global envelopes between peers.
type Transport interface {
	// SendToAuthority forwards a broadcast request to the authoritative peer.
	// Returns ErrNotConnected when no authority is reachable.
	SendToAuthority(ctx context.Context, env envelope.Envelope) error

	// BroadcastToAllPeers sends an authoritative broadcast to every
	// connected peer except the caller.
	BroadcastToAllPeers(ctx context.Context, env envelope.Envelope) error

	// SendToPeer sends a history replay entry to a single peer.
	// Returns ErrUnknownPeer if the peer is not connected.
	SendToPeer(ctx context.Context, peer PeerID, env envelope.Envelope) error

	// Close shuts the transport down.
	Close(ctx context.Context) error
}

// Receiver consumes inbound frames and peer membership changes.
// The global bus implements Receiver.
type Receiver interface {
	// Receive handles one inbound frame.
	Receive(ctx context.Context, f Frame)

	// PeerConnected is called once a peer can be addressed with SendToPeer.
	PeerConnected(ctx context.Context, peer PeerID)

	// PeerDisconnected is called after a peer went away.
	PeerDisconnected(ctx context.Context, peer PeerID)
}

// Binder is implemented by transports that deliver inbound frames.
// The global bus binds itself on construction.
type Binder interface {
	Bind(r Receiver)
}

// Admitter is implemented by transports that hold a newly connected peer
// back from BroadcastToAllPeers until it is admitted. SendToPeer reaches
// the peer in the meantime.
type Admitter interface {
	AdmitPeer(ctx context.Context, peer PeerID) error
}

// Gatekeeper is implemented by receivers that admit new peers themselves,
// after replaying to them. A transport admits the peers of any other
// receiver as soon as they connect.
type Gatekeeper interface {
	AdmitsPeers() bool
}

// Gatekeeps reports whether r admits new peers itself.
func Gatekeeps(r Receiver) bool {
	g, ok := r.(Gatekeeper)
	return ok && g.AdmitsPeers()
}

// HealthStatus represents the health state of a component
type HealthStatus string

const (
	// HealthStatusHealthy indicates the component is functioning normally
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates the component is functioning but with issues
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates the component is not functioning
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult contains detailed health information
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IsHealthy returns true if the status is healthy
func (h *HealthCheckResult) IsHealthy() bool {
	return h.Status == HealthStatusHealthy
}

// HealthChecker is an optional interface that transports can implement
// to provide health check capabilities for monitoring and readiness checks.
type HealthChecker interface {
	Health(ctx context.Context) *HealthCheckResult
}

// ID generation
var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// NewPeerID generates a random peer id.
func NewPeerID() PeerID {
	return PeerID(NewID())
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
