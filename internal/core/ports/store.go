// Package ports defines the core interfaces of dialog-core: the context
// store contract and the external collaborators the pipeline calls out to.
package ports

import (
	"context"
	"time"

	"github.com/talkline/dialog-core/internal/core/domain"
)

// ContextStore is typed access to the shared key/value backing store that
// holds one hash-style DialogContext record per conversation.
//
// Implementations must support partial field merges and an age query; they
// return domain.ErrNotFound for absent records and wrap infrastructure
// failures in domain.TransientStoreError. All production access goes
// through the circuit breaker decorator.
type ContextStore interface {
	// Get retrieves the context for a conversation. The returned value is
	// owned by the caller; mutating it never affects stored state.
	Get(ctx context.Context, id domain.ConversationID) (*domain.DialogContext, error)

	// Merge applies a partial update, creating the record if absent.
	// It returns the merged context.
	Merge(ctx context.Context, id domain.ConversationID, update *domain.ContextUpdate) (*domain.DialogContext, error)

	// Age returns the duration since the record was last updated.
	Age(ctx context.Context, id domain.ConversationID) (time.Duration, error)

	// Delete removes the record for a conversation.
	Delete(ctx context.Context, id domain.ConversationID) error

	// Close releases the underlying connection.
	Close() error
}
