// Package breaker implements the circuit breaker guarding the shared
// context store. A slow or unavailable store must not cascade latency
// into every conversation, so after a failure streak all calls fail fast
// until a cooldown elapses and a single probe succeeds.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/talkline/dialog-core/internal/core/domain"
)

// State is the circuit position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Options configures a Breaker.
type Options struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// circuit. Must be >= 1.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration
	// CallTimeout bounds each call; zero disables the per-call timeout.
	// A call exceeding it counts as a failure even if it later succeeds.
	CallTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Breaker is a single-dependency circuit breaker.
type Breaker struct {
	opts Options

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker.
func New(opts Options) *Breaker {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{opts: opts, state: StateClosed}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op through the circuit. While open it returns
// *domain.CircuitOpenError without invoking op. In half-open exactly one
// probe call is admitted; its outcome decides the next state.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = b.run(ctx, op)
	b.record(!isDependencyFailure(err), probe)
	return err
}

// isDependencyFailure distinguishes infrastructure failures from domain
// outcomes like ErrNotFound, which say nothing about store health.
func isDependencyFailure(err error) bool {
	if err == nil {
		return false
	}
	var tse *domain.TransientStoreError
	return errors.As(err, &tse)
}

// run invokes op, enforcing the per-call timeout. The operation keeps
// running in its goroutine after a timeout; only the verdict is early.
func (b *Breaker) run(ctx context.Context, op func(context.Context) error) error {
	if b.opts.CallTimeout <= 0 {
		return op(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(callCtx) }()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return &domain.TransientStoreError{Op: "call", Err: callCtx.Err()}
	}
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		elapsed := b.opts.Now().Sub(b.openedAt)
		if elapsed < b.opts.Cooldown {
			return false, &domain.CircuitOpenError{RetryAfter: b.opts.Cooldown - elapsed}
		}
		b.state = StateHalfOpen
		b.probing = true
		b.opts.Logger.Info("circuit half-open, probing dependency")
		return true, nil
	case StateHalfOpen:
		if b.probing {
			// A probe is already in flight; everyone else keeps failing fast.
			return false, &domain.CircuitOpenError{RetryAfter: b.opts.Cooldown}
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(success, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
		if success {
			b.state = StateClosed
			b.failures = 0
			b.opts.Logger.Info("circuit closed after successful probe")
		} else {
			b.state = StateOpen
			b.openedAt = b.opts.Now()
			b.opts.Logger.Warn("probe failed, circuit reopened",
				slog.Duration("cooldown", b.opts.Cooldown))
		}
		return
	}

	if success {
		b.failures = 0
		return
	}

	b.failures++
	if b.state == StateClosed && b.failures >= b.opts.FailureThreshold {
		b.state = StateOpen
		b.openedAt = b.opts.Now()
		b.opts.Logger.Warn("circuit opened",
			slog.Int("failures", b.failures),
			slog.Duration("cooldown", b.opts.Cooldown))
	}
}
