// Package memory is an in-memory implementation of ContextStore, used for
// tests and single-process deployments without a shared backing store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/talkline/dialog-core/internal/core/domain"
	"github.com/talkline/dialog-core/internal/core/ports"
)

// Store holds one DialogContext per conversation key.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*domain.DialogContext

	now func() time.Time
}

var _ ports.ContextStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		contexts: make(map[string]*domain.DialogContext),
		now:      time.Now,
	}
}

// NewWithNow creates a store using the given time source. Tests use this
// to exercise TTL expiry without waiting.
func NewWithNow(now func() time.Time) *Store {
	s := New()
	s.now = now
	return s
}

func (s *Store) Get(ctx context.Context, id domain.ConversationID) (*domain.DialogContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.TransientStoreError{Op: "get", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dc, ok := s.contexts[id.Key()]
	if !ok || dc.Expired(s.now()) {
		return nil, domain.ErrNotFound
	}
	return dc.Clone(), nil
}

func (s *Store) Merge(ctx context.Context, id domain.ConversationID, update *domain.ContextUpdate) (*domain.DialogContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.TransientStoreError{Op: "merge", Err: err}
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	dc, ok := s.contexts[id.Key()]
	if !ok || dc.Expired(now) {
		dc = &domain.DialogContext{ID: id}
		s.contexts[id.Key()] = dc
	}
	update.ApplyTo(dc, now)
	return dc.Clone(), nil
}

func (s *Store) Age(ctx context.Context, id domain.ConversationID) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, &domain.TransientStoreError{Op: "age", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dc, ok := s.contexts[id.Key()]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return s.now().Sub(dc.UpdatedAt), nil
}

func (s *Store) Delete(ctx context.Context, id domain.ConversationID) error {
	if err := ctx.Err(); err != nil {
		return &domain.TransientStoreError{Op: "delete", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[id.Key()]; !ok {
		return domain.ErrNotFound
	}
	delete(s.contexts, id.Key())
	return nil
}

func (s *Store) Close() error { return nil }
