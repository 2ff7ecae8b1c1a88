package breaker

import (
	"context"
	"time"

	"github.com/talkline/dialog-core/internal/core/domain"
	"github.com/talkline/dialog-core/internal/core/ports"
)

// GuardedStore routes every ContextStore call through a circuit breaker.
// Call sites never implement their own retry loops around the store; this
// decorator is the single place resilience policy lives.
type GuardedStore struct {
	inner   ports.ContextStore
	breaker *Breaker
}

var _ ports.ContextStore = (*GuardedStore)(nil)

// Guard wraps a store with the given breaker.
func Guard(inner ports.ContextStore, b *Breaker) *GuardedStore {
	return &GuardedStore{inner: inner, breaker: b}
}

// Breaker exposes the underlying circuit for state inspection.
func (g *GuardedStore) Breaker() *Breaker { return g.breaker }

func (g *GuardedStore) Get(ctx context.Context, id domain.ConversationID) (*domain.DialogContext, error) {
	var out *domain.DialogContext
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Get(ctx, id)
		return err
	})
	return out, err
}

func (g *GuardedStore) Merge(ctx context.Context, id domain.ConversationID, update *domain.ContextUpdate) (*domain.DialogContext, error) {
	var out *domain.DialogContext
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Merge(ctx, id, update)
		return err
	})
	return out, err
}

func (g *GuardedStore) Age(ctx context.Context, id domain.ConversationID) (time.Duration, error) {
	var out time.Duration
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Age(ctx, id)
		return err
	})
	return out, err
}

func (g *GuardedStore) Delete(ctx context.Context, id domain.ConversationID) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Delete(ctx, id)
	})
}

func (g *GuardedStore) Close() error {
	return g.inner.Close()
}
