// Package aggregator absorbs bursts of near-simultaneous messages from
// one conversation into a single batch. A batch flushes when its window
// timer expires or when it reaches the configured maximum size, whichever
// comes first — and exactly once either way.
package aggregator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talkline/dialog-core/internal/clock"
	"github.com/talkline/dialog-core/internal/core/domain"
)

// FlushFunc receives a flushed batch. It runs on the goroutine that
// triggered the flush (the submitter on a size flush, the timer on a
// window flush); implementations hand off to their own workers.
type FlushFunc func(batch *domain.Batch)

// Options configures an Aggregator.
type Options struct {
	// Window is how long the first message of a batch waits for
	// follow-ups before flushing.
	Window time.Duration
	// MaxBatchSize flushes immediately once reached.
	MaxBatchSize int
	// Separator joins message texts in arrival order.
	Separator string

	Clock  clock.Clock
	Logger *slog.Logger
}

type pendingBatch struct {
	id           string
	conversation domain.ConversationID
	texts        []string
	arrivals     []time.Time
	timer        clock.Timer
	flushed      bool
}

// Aggregator owns the map of pending batches, keyed by conversation.
type Aggregator struct {
	opts  Options
	flush FlushFunc

	mu      sync.Mutex
	pending map[string]*pendingBatch
	closed  bool
}

// New creates an aggregator delivering flushed batches to flush.
func New(opts Options, flush FlushFunc) *Aggregator {
	if opts.MaxBatchSize < 1 {
		opts.MaxBatchSize = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		opts:    opts,
		flush:   flush,
		pending: make(map[string]*pendingBatch),
	}
}

// Submit records an inbound message. The first message for an idle
// conversation opens a batch and starts its window timer; follow-ups
// append. Reaching MaxBatchSize cancels the timer and flushes now.
func (a *Aggregator) Submit(id domain.ConversationID, text string, arrivedAt time.Time) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	key := id.Key()
	p, ok := a.pending[key]
	if !ok {
		p = &pendingBatch{
			id:           uuid.New().String(),
			conversation: id,
		}
		batchID := p.id
		p.timer = a.opts.Clock.AfterFunc(a.opts.Window, func() {
			a.flushByTimer(key, batchID)
		})
		a.pending[key] = p
	}
	p.texts = append(p.texts, text)
	p.arrivals = append(p.arrivals, arrivedAt)

	if len(p.texts) >= a.opts.MaxBatchSize {
		p.timer.Stop()
		batch := a.consumeLocked(key, p)
		a.mu.Unlock()
		if batch != nil {
			a.flush(batch)
		}
		return
	}
	a.mu.Unlock()
}

// flushByTimer delivers the batch when its window expires. The batch ID
// check keeps a late-firing timer from touching a successor batch for the
// same conversation.
func (a *Aggregator) flushByTimer(key, batchID string) {
	a.mu.Lock()
	p, ok := a.pending[key]
	if !ok || p.id != batchID {
		a.mu.Unlock()
		return
	}
	if p.flushed {
		// Unreachable given the exactly-once discipline above; if it
		// ever happens it is a programming-invariant violation.
		a.mu.Unlock()
		a.opts.Logger.Error("duplicate batch flush detected",
			slog.String("conversation", key),
			slog.String("error", (&domain.DuplicateFlushError{BatchID: batchID}).Error()))
		return
	}
	batch := a.consumeLocked(key, p)
	a.mu.Unlock()
	if batch != nil {
		a.flush(batch)
	}
}

// consumeLocked removes the batch from the map and builds the flushed
// form. The map entry is cleared before any downstream call so a batch
// instance can never be delivered twice. Caller holds a.mu.
func (a *Aggregator) consumeLocked(key string, p *pendingBatch) *domain.Batch {
	if p.flushed {
		return nil
	}
	p.flushed = true
	delete(a.pending, key)

	text := ""
	for i, t := range p.texts {
		if i > 0 {
			text += a.opts.Separator
		}
		text += t
	}
	return &domain.Batch{
		ID:             p.id,
		Conversation:   p.conversation,
		Text:           text,
		BatchedCount:   len(p.texts),
		WasAggregated:  len(p.texts) > 1,
		FirstArrivedAt: p.arrivals[0],
		LastArrivedAt:  p.arrivals[len(p.arrivals)-1],
	}
}

// HasPending reports whether a batch is currently open for the
// conversation.
func (a *Aggregator) HasPending(id domain.ConversationID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[id.Key()]
	return ok
}

// Close cancels all pending timers and drops unflushed batches.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for key, p := range a.pending {
		p.timer.Stop()
		delete(a.pending, key)
	}
}
