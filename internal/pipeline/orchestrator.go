// Package pipeline turns a flushed message batch into a reply. The
// orchestration order is fixed: claim → interpret (cache-checked) → fold
// mentions into context → execute intents in order → synthesize →
// release. Any unrecoverable error releases the conversation as failed
// and answers with an apologetic fallback instead of leaving it claimed.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/talkline/dialog-core/internal/core/domain"
	"github.com/talkline/dialog-core/internal/core/ports"
	"github.com/talkline/dialog-core/internal/intentcache"
	"github.com/talkline/dialog-core/internal/tracker"
)

const tracerName = "github.com/talkline/dialog-core/internal/pipeline"

// DefaultFallbackReply is sent when interpretation or execution fails.
const DefaultFallbackReply = "Извините, что-то пошло не так. Попробуйте, пожалуйста, ещё раз."

// DefaultBusyReply is sent when a conversation stays claimed past the
// wait timeout.
const DefaultBusyReply = "Секундочку, я ещё обрабатываю ваше предыдущее сообщение."

// Options configures an Orchestrator.
type Options struct {
	// CacheTTL bounds how long an interpretation result is reused.
	CacheTTL time.Duration
	// ContextTTL is how far each completed cycle pushes the dialog
	// context's expiry.
	ContextTTL time.Duration
	// WaitTimeout is how long a batch arriving mid-cycle waits for the
	// previous cycle to reach a terminal state before giving up.
	WaitTimeout time.Duration
	// FallbackReply overrides DefaultFallbackReply.
	FallbackReply string
	// BusyReply overrides DefaultBusyReply.
	BusyReply string

	Logger *slog.Logger
	Now    func() time.Time
}

// Orchestrator consumes flushed batches and produces replies.
type Orchestrator struct {
	tracker     *tracker.Tracker
	cache       *intentcache.Cache[*domain.Interpretation]
	interpreter ports.Interpreter
	executor    ports.Executor
	synthesizer ports.Synthesizer
	opts        Options
	tracer      trace.Tracer
}

// New creates an orchestrator. All collaborators are required.
func New(tr *tracker.Tracker, cache *intentcache.Cache[*domain.Interpretation], interpreter ports.Interpreter, executor ports.Executor, synthesizer ports.Synthesizer, opts Options) *Orchestrator {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 10 * time.Second
	}
	if opts.FallbackReply == "" {
		opts.FallbackReply = DefaultFallbackReply
	}
	if opts.BusyReply == "" {
		opts.BusyReply = DefaultBusyReply
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		tracker:     tr,
		cache:       cache,
		interpreter: interpreter,
		executor:    executor,
		synthesizer: synthesizer,
		opts:        opts,
		tracer:      otel.Tracer(tracerName),
	}
}

// Process runs one batch through the full pipeline and returns the reply
// text. It never returns an empty reply: failures produce the fallback.
func (o *Orchestrator) Process(ctx context.Context, batch *domain.Batch) (string, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("conversation", batch.Conversation.String()),
			attribute.Int("batched_count", batch.BatchedCount),
		))
	defer span.End()

	id := batch.Conversation
	logger := o.opts.Logger.With(
		slog.String("conversation", id.String()),
		slog.String("batch_id", batch.ID))

	snapshot, claimed, degraded, err := o.acquire(ctx, batch, logger)
	if err != nil {
		return o.opts.FallbackReply, err
	}
	if !claimed && !degraded {
		logger.Warn("conversation still busy after wait timeout")
		return o.opts.BusyReply, nil
	}

	reply, err := o.run(ctx, batch, snapshot, degraded, logger)
	if err != nil {
		if !degraded {
			o.releaseFailed(ctx, id, err, logger)
		}
		logger.Error("pipeline failed", slog.String("error", err.Error()))
		return o.opts.FallbackReply, err
	}

	if !degraded {
		o.finish(ctx, id, batch, reply, logger)
	}
	return reply, nil
}

// acquire claims the conversation, waiting once for an in-flight cycle to
// finish. An open circuit switches to degraded mode: process with an
// empty snapshot and skip persistence rather than failing the user turn.
func (o *Orchestrator) acquire(ctx context.Context, batch *domain.Batch, logger *slog.Logger) (snapshot *domain.DialogContext, claimed, degraded bool, err error) {
	id := batch.Conversation

	for attempt := 0; attempt < 2; attempt++ {
		claimed, snapshot, err = o.tracker.Claim(ctx, id, batch.Text)
		if domain.IsCircuitOpen(err) {
			logger.Warn("context store circuit open, processing degraded")
			return &domain.DialogContext{ID: id}, false, true, nil
		}
		if err != nil {
			return nil, false, false, err
		}
		if claimed {
			return snapshot, true, false, nil
		}

		// Someone else owns the conversation; wait for their terminal
		// state, then reconcile against the updated context.
		logger.Info("conversation busy, waiting for completion")
		done, werr := o.tracker.WaitForCompletion(ctx, id, o.opts.WaitTimeout)
		if werr != nil {
			if domain.IsCircuitOpen(werr) {
				logger.Warn("context store circuit open, processing degraded")
				return &domain.DialogContext{ID: id}, false, true, nil
			}
			return nil, false, false, werr
		}
		if !done {
			return snapshot, false, false, nil
		}
	}
	return snapshot, false, false, nil
}

// run executes the interpret/execute/synthesize stages against the given
// snapshot. In degraded mode all tracker advances are skipped.
func (o *Orchestrator) run(ctx context.Context, batch *domain.Batch, snapshot *domain.DialogContext, degraded bool, logger *slog.Logger) (string, error) {
	id := batch.Conversation

	if !degraded {
		updated, err := o.tracker.Advance(ctx, id, domain.StatusInterpreting, &domain.ContextUpdate{
			AppendTurns: []domain.Turn{{Role: "user", Content: batch.Text, At: batch.LastArrivedAt}},
		})
		if err != nil {
			return "", err
		}
		snapshot = updated
	}

	interpretation, err := o.interpret(ctx, batch, snapshot)
	if err != nil {
		return "", &domain.InterpretationError{Err: err}
	}

	if !degraded {
		updated, err := o.tracker.Advance(ctx, id, domain.StatusInterpreted, &domain.ContextUpdate{
			MentionedServices: interpretation.MentionedServices,
			MentionedDates:    interpretation.MentionedDates,
			MentionedTimes:    interpretation.MentionedTimes,
		})
		if err != nil {
			return "", err
		}
		snapshot = updated

		if _, err := o.tracker.Advance(ctx, id, domain.StatusExecuting, nil); err != nil {
			return "", err
		}
	}

	results, err := o.execute(ctx, interpretation.Intents, snapshot)
	if err != nil {
		return "", err
	}

	return o.synthesize(ctx, results, snapshot)
}

func (o *Orchestrator) interpret(ctx context.Context, batch *domain.Batch, snapshot *domain.DialogContext) (*domain.Interpretation, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.interpret")
	defer span.End()

	key := intentcache.Key(batch.Text, batch.Conversation.Fingerprint())
	return o.cache.GetOrCompute(ctx, key, o.opts.CacheTTL, func(ctx context.Context) (*domain.Interpretation, error) {
		return o.interpreter.Interpret(ctx, batch.Text, snapshot)
	})
}

func (o *Orchestrator) execute(ctx context.Context, intents []domain.Intent, snapshot *domain.DialogContext) ([]domain.ExecutionResult, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(attribute.Int("intent_count", len(intents))))
	defer span.End()

	results := make([]domain.ExecutionResult, 0, len(intents))
	for _, intent := range intents {
		res, err := o.executor.Execute(ctx, intent, snapshot)
		if err != nil {
			return nil, &domain.ExecutionError{Intent: intent.Name, Err: err}
		}
		results = append(results, *res)
	}
	return results, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, results []domain.ExecutionResult, snapshot *domain.DialogContext) (string, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.synthesize")
	defer span.End()

	reply, err := o.synthesizer.Synthesize(ctx, results, snapshot)
	if err != nil {
		return "", &domain.ExecutionError{Intent: "synthesize", Err: err}
	}
	return reply, nil
}

// finish records the assistant turn, bumps the context TTL, and releases
// the claim as completed. Persistence failures here degrade to a log
// line; the reply is already decided.
func (o *Orchestrator) finish(ctx context.Context, id domain.ConversationID, batch *domain.Batch, reply string, logger *slog.Logger) {
	now := o.opts.Now()
	update := &domain.ContextUpdate{
		AppendTurns: []domain.Turn{{Role: "assistant", Content: reply, At: now}},
	}
	if o.opts.ContextTTL > 0 {
		expires := now.Add(o.opts.ContextTTL)
		update.ExpiresAt = &expires
	}
	if _, err := o.tracker.Advance(ctx, id, domain.StatusExecuting, update); err != nil {
		logger.Error("failed to record assistant turn", slog.String("error", err.Error()))
	}

	if err := o.tracker.Release(ctx, id, domain.StatusCompleted, &domain.ProcessingResult{
		Reply:       reply,
		CompletedAt: now,
	}); err != nil {
		logger.Error("failed to release completed claim", slog.String("error", err.Error()))
	}
}

// releaseFailed marks the cycle failed so subsequent messages are not
// blocked behind a dead claim.
func (o *Orchestrator) releaseFailed(ctx context.Context, id domain.ConversationID, cause error, logger *slog.Logger) {
	if err := o.tracker.Release(ctx, id, domain.StatusFailed, &domain.ProcessingResult{
		Error:       cause.Error(),
		CompletedAt: o.opts.Now(),
	}); err != nil && !errors.Is(err, domain.ErrNotFound) {
		logger.Error("failed to release failed claim", slog.String("error", err.Error()))
	}
}
