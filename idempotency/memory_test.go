package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("MarkIfNew detects repeats", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)
		defer store.Close()

		if !store.MarkIfNew(ctx, "env-1") {
			t.Error("first mark must succeed")
		}
		if store.MarkIfNew(ctx, "env-1") {
			t.Error("second mark must report a duplicate")
		}
		if dup, _ := store.IsDuplicate(ctx, "env-1"); !dup {
			t.Error("expected duplicate")
		}
		if dup, _ := store.IsDuplicate(ctx, "env-2"); dup {
			t.Error("unexpected duplicate")
		}
	})

	t.Run("empty id is never a duplicate", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)
		defer store.Close()

		if !store.MarkIfNew(ctx, "") || !store.MarkIfNew(ctx, "") {
			t.Error("empty ids must always pass")
		}
		if store.Len() != 0 {
			t.Errorf("empty ids must not be stored, got %d entries", store.Len())
		}
	})

	t.Run("entries expire", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)
		defer store.Close()

		now := time.Now()
		store.mu.Lock()
		store.now = func() time.Time { return now }
		store.mu.Unlock()
		_ = store.MarkProcessed(ctx, "env-1")

		store.mu.Lock()
		store.now = func() time.Time { return now.Add(2 * time.Hour) }
		store.mu.Unlock()
		if dup, _ := store.IsDuplicate(ctx, "env-1"); dup {
			t.Error("expired entry must not be a duplicate")
		}

		store.sweep()
		if store.Len() != 0 {
			t.Errorf("expected sweep to remove expired entry, got %d", store.Len())
		}
	})

	t.Run("Remove and Reset", func(t *testing.T) {
		store := NewMemoryStore(0)
		defer store.Close()

		_ = store.MarkProcessed(ctx, "a")
		_ = store.MarkProcessed(ctx, "b")
		_ = store.Remove(ctx, "a")
		if store.Len() != 1 {
			t.Errorf("expected 1 entry, got %d", store.Len())
		}
		store.Reset()
		if store.Len() != 0 {
			t.Errorf("expected empty store, got %d", store.Len())
		}
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		store := NewMemoryStore(time.Second)
		store.Close()
		store.Close()
	})
}
