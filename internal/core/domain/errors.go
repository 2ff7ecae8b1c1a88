// Canonical error types for dialog-core. Infrastructure errors (store,
// circuit) are handled locally with degradation; interpretation and
// execution errors always surface to the user as a synthesized reply.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// TransientStoreError wraps a context-store timeout or unavailability.
// Retry policy belongs to the circuit breaker, never to call sites.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("context store %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// CircuitOpenError is the fail-fast signal returned while the breaker is
// open. Callers fall back to a degraded path instead of waiting.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open, retry after %s", e.RetryAfter)
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// StaleClaimError reports an abandoned non-terminal processing record that
// was force-released so the conversation could be claimed again.
type StaleClaimError struct {
	Conversation ConversationID
	Age          time.Duration
}

func (e *StaleClaimError) Error() string {
	return fmt.Sprintf("stale processing claim for %s (age %s)", e.Conversation, e.Age)
}

// InterpretationError wraps a failure of the external interpreter.
type InterpretationError struct {
	Err error
}

func (e *InterpretationError) Error() string {
	return fmt.Sprintf("interpretation failed: %v", e.Err)
}

func (e *InterpretationError) Unwrap() error { return e.Err }

// ExecutionError wraps a failure of the external executor.
type ExecutionError struct {
	Intent string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of %q failed: %v", e.Intent, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// DuplicateFlushError signals a batch delivered twice. Unreachable given
// the aggregator's exactly-once flush; observing one is an invariant
// violation and is logged loudly.
type DuplicateFlushError struct {
	BatchID string
}

func (e *DuplicateFlushError) Error() string {
	return fmt.Sprintf("batch %s flushed twice", e.BatchID)
}

// ErrNotFound is returned by stores when no record exists for a key.
var ErrNotFound = errors.New("dialog context not found")

// ErrConversationBusy is returned when a claim is refused because a
// non-terminal processing record already exists.
var ErrConversationBusy = errors.New("conversation already processing")
