package runtime

import (
	"log/slog"

	"github.com/talkline/dialog-core/internal/clock"
	"github.com/talkline/dialog-core/internal/config"
	"github.com/talkline/dialog-core/internal/core/ports"
	"github.com/talkline/dialog-core/internal/storage/memory"
	"github.com/talkline/dialog-core/internal/storage/sqlite"
)

// Option configures a Core during New.
type Option func(*Core) error

// WithConfig uses an explicit configuration instead of defaults.
func WithConfig(cfg *config.Config) Option {
	return func(c *Core) error {
		c.cfg = cfg
		return nil
	}
}

// WithFileConfig loads configuration from a YAML file, with environment
// overrides applied on top.
func WithFileConfig(path string) Option {
	return func(c *Core) error {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		c.cfg = cfg
		return nil
	}
}

// WithLogger sets the logger used by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) error {
		c.logger = logger
		return nil
	}
}

// WithClock injects a clock. Tests use clock.NewFake to drive the
// aggregation window deterministically.
func WithClock(clk clock.Clock) Option {
	return func(c *Core) error {
		c.clk = clk
		return nil
	}
}

// WithMemoryStore forces the in-process context store regardless of the
// configured storage type.
func WithMemoryStore() Option {
	return func(c *Core) error {
		c.store = memory.New()
		return nil
	}
}

// WithSQLite opens a SQLite-backed context store at the given path.
func WithSQLite(path string) Option {
	return func(c *Core) error {
		store, err := sqlite.New(path)
		if err != nil {
			return err
		}
		c.store = store
		return nil
	}
}

// WithStore injects a custom context store implementation.
func WithStore(store ports.ContextStore) Option {
	return func(c *Core) error {
		c.store = store
		return nil
	}
}

// WithInterpreter sets the message interpreter.
func WithInterpreter(i ports.Interpreter) Option {
	return func(c *Core) error {
		c.interpreter = i
		return nil
	}
}

// WithExecutor sets the intent executor.
func WithExecutor(e ports.Executor) Option {
	return func(c *Core) error {
		c.executor = e
		return nil
	}
}

// WithSynthesizer sets the reply synthesizer.
func WithSynthesizer(s ports.Synthesizer) Option {
	return func(c *Core) error {
		c.synthesizer = s
		return nil
	}
}

// WithReplyFunc sets the sink that receives synthesized replies for
// batches flushed by the aggregator.
func WithReplyFunc(fn ports.ReplyFunc) Option {
	return func(c *Core) error {
		c.reply = fn
		return nil
	}
}
