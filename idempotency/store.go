// Package idempotency tracks which envelopes a process has already delivered.
//
// Peer transports are at-least-once: a broadcast can reach a peer twice, for
// example live and again through a history replay. The global bus records the
// ID of every envelope it delivers and drops repeats, which keeps delivery
// at-most-once per listener per process.
//
//	store := idempotency.NewMemoryStore(5 * time.Minute)
//	defer store.Close()
//
//	if !store.MarkIfNew(ctx, env.ID()) {
//	    return // already delivered
//	}
package idempotency

import "context"

// Store records processed envelope IDs.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// IsDuplicate reports whether id was marked and has not expired.
	IsDuplicate(ctx context.Context, id string) (bool, error)

	// MarkProcessed records id.
	MarkProcessed(ctx context.Context, id string) error

	// MarkIfNew records id and reports true, or reports false when id was
	// already recorded. The check and the write are atomic.
	MarkIfNew(ctx context.Context, id string) bool
}
