// Package checkpoint records how far a backfill has durably progressed.
//
// Every store has max semantics: Advance with a time at or before the stored
// value is a no-op, so the checkpoint never moves backwards even with several
// writers.
package checkpoint

import (
	"context"
	"sync"
	"time"
)

// Store persists the resume point of a backfill.
type Store interface {
	// Read returns the stored checkpoint. ok is false when none exists yet.
	Read(ctx context.Context) (t time.Time, ok bool, err error)
	// Advance records t unless an equal or later checkpoint is already stored.
	Advance(ctx context.Context, t time.Time) error
}

// MemoryStore keeps the checkpoint in process memory. Used for dry runs and tests.
type MemoryStore struct {
	mu  sync.Mutex
	t   time.Time
	set bool
}

// NewMemoryStore returns a store seeded with t unless t is zero.
func NewMemoryStore(t time.Time) *MemoryStore {
	return &MemoryStore{t: t.UTC(), set: !t.IsZero()}
}

func (m *MemoryStore) Read(ctx context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t, m.set, nil
}

func (m *MemoryStore) Advance(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.set && !t.After(m.t) {
		return nil
	}
	m.t, m.set = t.UTC(), true
	return nil
}
