// Package dbtest provides an in-memory Transactor for unit tests.
package dbtest

import (
	"context"
	"sync"
)

// Checkpointer is an in-memory store that can be restored to an earlier
// state.
type Checkpointer interface {
	Checkpoint() (restore func())
}

type scopeKey struct{}

// MemTransactor emulates a transaction over in-memory stores: it checkpoints
// every participant on begin and restores them all when fn fails.
type MemTransactor struct {
	mu    sync.Mutex
	parts []Checkpointer

	// BeginErr, when set, is returned instead of opening a scope.
	BeginErr error

	Begun      int
	Committed  int
	RolledBack int
}

func NewMemTransactor(parts ...Checkpointer) *MemTransactor {
	return &MemTransactor{parts: parts}
}

// InScope reports whether ctx was produced by a MemTransactor scope.
func InScope(ctx context.Context) bool {
	v, _ := ctx.Value(scopeKey{}).(bool)
	return v
}

func (m *MemTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InScope(ctx) {
		return fn(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BeginErr != nil {
		return m.BeginErr
	}
	m.Begun++

	restores := make([]func(), 0, len(m.parts))
	for _, p := range m.parts {
		restores = append(restores, p.Checkpoint())
	}

	if err := fn(context.WithValue(ctx, scopeKey{}, true)); err != nil {
		for _, restore := range restores {
			restore()
		}
		m.RolledBack++
		return err
	}
	m.Committed++
	return nil
}
