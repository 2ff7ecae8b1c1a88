// Package tracker serializes work per conversation. Two messages arriving
// milliseconds apart must never both trigger interpretation and
// execution: the first to claim wins, the second waits for a terminal
// status and then reconciles against the updated context.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/talkline/dialog-core/internal/core/domain"
	"github.com/talkline/dialog-core/internal/core/ports"
)

// Options configures a Tracker.
type Options struct {
	// ClaimGrace is the age past which a non-terminal processing record
	// is treated as abandoned (a worker crashed mid-cycle) and
	// force-failed so the conversation stays claimable. This is a
	// liveness guard against leaked claims, not an exactly-once
	// guarantee under crash.
	ClaimGrace time.Duration
	// PollInterval is the WaitForCompletion polling cadence.
	PollInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Tracker gates all DialogContext mutation: a conversation must be
// claimed before the pipeline touches it.
type Tracker struct {
	store ports.ContextStore
	opts  Options

	mu    sync.Mutex
	gates map[string]*sync.Mutex
}

// New creates a tracker over the given (breaker-guarded) store.
func New(store ports.ContextStore, opts Options) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		store: store,
		opts:  opts,
		gates: make(map[string]*sync.Mutex),
	}
}

// gate returns the per-conversation mutex serializing claim decisions.
func (t *Tracker) gate(id domain.ConversationID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[id.Key()]
	if !ok {
		g = &sync.Mutex{}
		t.gates[id.Key()] = g
	}
	return g
}

// Claim atomically takes ownership of the conversation for one processing
// cycle. It returns claimed=false when a non-terminal record exists, and
// the current context snapshot either way (nil when the store is
// unreachable). A stale non-terminal record past ClaimGrace is
// force-failed first, then claimed.
func (t *Tracker) Claim(ctx context.Context, id domain.ConversationID, messageText string) (bool, *domain.DialogContext, error) {
	g := t.gate(id)
	g.Lock()
	defer g.Unlock()

	current, err := t.store.Get(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, nil, err
	}

	if current != nil && !current.Processing.Status.Claimable() {
		age := t.opts.Now().Sub(current.Processing.StartedAt)
		if t.opts.ClaimGrace <= 0 || age < t.opts.ClaimGrace {
			return false, current, nil
		}
		// Abandoned claim: force-fail and fall through to claiming.
		stale := &domain.StaleClaimError{Conversation: id, Age: age}
		t.opts.Logger.Warn("force-releasing stale processing claim",
			slog.String("conversation", id.String()),
			slog.String("status", string(current.Processing.Status)),
			slog.String("error", stale.Error()))
		if _, err := t.store.Merge(ctx, id, &domain.ContextUpdate{
			Processing: &domain.ProcessingRecord{
				Status: domain.StatusFailed,
				Result: &domain.ProcessingResult{
					Error:       stale.Error(),
					CompletedAt: t.opts.Now(),
				},
			},
		}); err != nil {
			return false, current, err
		}
	}

	merged, err := t.store.Merge(ctx, id, &domain.ContextUpdate{
		Processing: &domain.ProcessingRecord{
			Status:      domain.StatusPending,
			MessageText: messageText,
			StartedAt:   t.opts.Now(),
		},
	})
	if err != nil {
		return false, nil, err
	}
	return true, merged, nil
}

// IsProcessing reports whether a non-terminal processing record exists.
func (t *Tracker) IsProcessing(ctx context.Context, id domain.ConversationID) (bool, error) {
	current, err := t.store.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !current.Processing.Status.Claimable(), nil
}

// WaitForCompletion polls until the conversation's processing record is
// terminal (or absent) or the timeout elapses. It reports whether the
// record became terminal in time.
func (t *Tracker) WaitForCompletion(ctx context.Context, id domain.ConversationID, timeout time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		busy, err := t.IsProcessing(ctx, id)
		if err != nil {
			return false, err
		}
		if !busy {
			return true, nil
		}

		select {
		case <-waitCtx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}

// Advance moves the claimed cycle to nextStatus and merges partial
// context fields extracted so far (mentioned dates, selection, ...).
// Only the claim holder calls Advance; the read-modify-write below
// preserves the record's message text and start time.
func (t *Tracker) Advance(ctx context.Context, id domain.ConversationID, nextStatus domain.ProcessingStatus, update *domain.ContextUpdate) (*domain.DialogContext, error) {
	g := t.gate(id)
	g.Lock()
	defer g.Unlock()

	current, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Processing.Status.Claimable() {
		return nil, domain.ErrConversationBusy
	}

	record := current.Processing
	record.Status = nextStatus
	if update == nil {
		update = &domain.ContextUpdate{}
	}
	update.Processing = &record
	return t.store.Merge(ctx, id, update)
}

// Release writes the terminal status and result, making the conversation
// claimable again.
func (t *Tracker) Release(ctx context.Context, id domain.ConversationID, finalStatus domain.ProcessingStatus, result *domain.ProcessingResult) error {
	if !finalStatus.Terminal() {
		return errors.New("release requires a terminal status")
	}

	g := t.gate(id)
	g.Lock()
	defer g.Unlock()

	current, err := t.store.Get(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	record := domain.ProcessingRecord{Status: finalStatus, Result: result}
	if current != nil {
		record.MessageText = current.Processing.MessageText
		record.StartedAt = current.Processing.StartedAt
	}
	_, err = t.store.Merge(ctx, id, &domain.ContextUpdate{Processing: &record})
	return err
}
