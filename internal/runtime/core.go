// Package runtime assembles the dialog-core components: aggregator,
// tracker, cache, breaker-guarded store, and orchestrator, wired from
// configuration and functional options.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/talkline/dialog-core/internal/aggregator"
	"github.com/talkline/dialog-core/internal/breaker"
	"github.com/talkline/dialog-core/internal/clock"
	"github.com/talkline/dialog-core/internal/config"
	"github.com/talkline/dialog-core/internal/core/domain"
	"github.com/talkline/dialog-core/internal/core/ports"
	"github.com/talkline/dialog-core/internal/intentcache"
	"github.com/talkline/dialog-core/internal/pipeline"
	"github.com/talkline/dialog-core/internal/storage/memory"
	"github.com/talkline/dialog-core/internal/storage/sqlite"
	"github.com/talkline/dialog-core/internal/tracker"
)

// Core is the assembled message-handling engine. Construct with New and
// feed it inbound messages via Submit; replies are delivered through the
// configured ReplyFunc.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger
	clk    clock.Clock

	store        ports.ContextStore
	guarded      *breaker.GuardedStore
	cache        *intentcache.Cache[*domain.Interpretation]
	tracker      *tracker.Tracker
	orchestrator *pipeline.Orchestrator
	aggregator   *aggregator.Aggregator

	interpreter ports.Interpreter
	executor    ports.Executor
	synthesizer ports.Synthesizer
	reply       ports.ReplyFunc
}

// New builds a Core from options. An interpreter, executor, and
// synthesizer are required; everything else has defaults (in-process
// memory store, system clock, slog default logger).
func New(opts ...Option) (*Core, error) {
	c := &Core{}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.cfg == nil {
		cfg := config.Default()
		c.cfg = &cfg
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.clk == nil {
		c.clk = clock.New()
	}
	if c.interpreter == nil {
		return nil, errors.New("an interpreter is required (use WithInterpreter)")
	}
	if c.executor == nil {
		return nil, errors.New("an executor is required (use WithExecutor)")
	}
	if c.synthesizer == nil {
		return nil, errors.New("a synthesizer is required (use WithSynthesizer)")
	}

	if c.store == nil {
		switch c.cfg.Storage.Type {
		case "sqlite":
			store, err := sqlite.New(c.cfg.Storage.SQLite.Path)
			if err != nil {
				return nil, err
			}
			c.store = store
		default:
			c.store = memory.New()
		}
	}

	c.guarded = breaker.Guard(c.store, breaker.New(breaker.Options{
		FailureThreshold: c.cfg.Breaker.FailureThreshold,
		Cooldown:         c.cfg.Breaker.Cooldown,
		CallTimeout:      c.cfg.Breaker.CallTimeout,
		Logger:           c.logger,
		Now:              c.clk.Now,
	}))

	c.tracker = tracker.New(c.guarded, tracker.Options{
		ClaimGrace:   c.cfg.Tracker.ClaimGrace,
		PollInterval: c.cfg.Tracker.PollInterval,
		Logger:       c.logger,
		Now:          c.clk.Now,
	})

	c.cache = intentcache.New[*domain.Interpretation](c.cfg.Cache.MaxSize)

	c.orchestrator = pipeline.New(c.tracker, c.cache, c.interpreter, c.executor, c.synthesizer, pipeline.Options{
		CacheTTL:   c.cfg.Cache.TTL,
		ContextTTL: c.cfg.Context.TTL,
		Logger:     c.logger,
		Now:        c.clk.Now,
	})

	c.aggregator = aggregator.New(aggregator.Options{
		Window:       c.cfg.Aggregator.Window,
		MaxBatchSize: c.cfg.Aggregator.MaxBatchSize,
		Separator:    c.cfg.Aggregator.Separator,
		Clock:        c.clk,
		Logger:       c.logger,
	}, c.handleBatch)

	return c, nil
}

// Submit records an inbound message event for batching.
func (c *Core) Submit(id domain.ConversationID, text string, arrivedAt time.Time) {
	c.aggregator.Submit(id, text, arrivedAt)
}

// handleBatch runs a flushed batch through the pipeline on its own
// goroutine so the aggregator's timer goroutine is never blocked on
// interpretation latency.
func (c *Core) handleBatch(batch *domain.Batch) {
	go func() {
		ctx := context.Background()
		reply, err := c.orchestrator.Process(ctx, batch)
		if err != nil {
			c.logger.Error("batch processing failed",
				slog.String("conversation", batch.Conversation.String()),
				slog.String("error", err.Error()))
		}
		if c.reply != nil && reply != "" {
			c.reply(ctx, batch.Conversation, reply)
		}
	}()
}

// Process runs a single batch synchronously, bypassing aggregation.
// Intended for hosts that do their own batching.
func (c *Core) Process(ctx context.Context, batch *domain.Batch) (string, error) {
	return c.orchestrator.Process(ctx, batch)
}

// Store exposes the breaker-guarded context store.
func (c *Core) Store() ports.ContextStore { return c.guarded }

// Config returns the effective configuration.
func (c *Core) Config() *config.Config { return c.cfg }

// Close cancels pending batches and releases the store.
func (c *Core) Close() error {
	c.aggregator.Close()
	return c.store.Close()
}
