package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/talkline/dialog-core/internal/core/domain"
	"github.com/talkline/dialog-core/internal/storage/memory"
)

// flakyStore fails every call until healed.
type flakyStore struct {
	*memory.Store
	healthy bool
}

func (f *flakyStore) Get(ctx context.Context, id domain.ConversationID) (*domain.DialogContext, error) {
	if !f.healthy {
		return nil, &domain.TransientStoreError{Op: "get", Err: errors.New("store down")}
	}
	return f.Store.Get(ctx, id)
}

func TestGuardedStoreFailsFastAfterTrip(t *testing.T) {
	now := time.Now()
	inner := &flakyStore{Store: memory.New()}
	g := Guard(inner, New(Options{
		FailureThreshold: 2,
		Cooldown:         10 * time.Second,
		Now:              func() time.Time { return now },
	}))
	ctx := context.Background()
	id := domain.ConversationID{TenantID: "t", UserID: "u"}

	for i := 0; i < 2; i++ {
		if _, err := g.Get(ctx, id); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	if got := g.Breaker().State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	if _, err := g.Get(ctx, id); !domain.IsCircuitOpen(err) {
		t.Fatalf("error while open = %v, want CircuitOpenError", err)
	}

	// Heal the store, let the cooldown pass; the probe recloses the
	// circuit and normal traffic resumes.
	inner.healthy = true
	now = now.Add(11 * time.Second)
	if _, err := g.Merge(ctx, id, &domain.ContextUpdate{}); err != nil {
		t.Fatalf("Merge() after heal error = %v", err)
	}
	if got := g.Breaker().State(); got != StateClosed {
		t.Fatalf("state after probe = %v, want closed", got)
	}
	if _, err := g.Get(ctx, id); err != nil {
		t.Fatalf("Get() after reclose error = %v", err)
	}
}
