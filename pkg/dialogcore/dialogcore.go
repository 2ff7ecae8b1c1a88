// Package dialogcore is the public embedding surface. Hosts construct a
// Core with functional options, plug in their interpreter, executor, and
// synthesizer, and feed it message events; the internal packages stay
// private.
package dialogcore

import (
	"github.com/talkline/dialog-core/internal/config"
	"github.com/talkline/dialog-core/internal/core/domain"
	"github.com/talkline/dialog-core/internal/core/ports"
	"github.com/talkline/dialog-core/internal/runtime"
)

// Core is the assembled message-handling engine.
type Core = runtime.Core

// Option configures a Core during New.
type Option = runtime.Option

// Config is the full runtime configuration tree.
type Config = config.Config

// Domain types hosts exchange with the core.
type (
	ConversationID  = domain.ConversationID
	DialogContext   = domain.DialogContext
	Batch           = domain.Batch
	Intent          = domain.Intent
	Interpretation  = domain.Interpretation
	ExecutionResult = domain.ExecutionResult
)

// Collaborator contracts and their function adapters.
type (
	Interpreter     = ports.Interpreter
	Executor        = ports.Executor
	Synthesizer     = ports.Synthesizer
	ReplyFunc       = ports.ReplyFunc
	InterpreterFunc = ports.InterpreterFunc
	ExecutorFunc    = ports.ExecutorFunc
	SynthesizerFunc = ports.SynthesizerFunc
)

// New builds a Core from options.
var New = runtime.New

// DefaultConfig returns the built-in configuration defaults.
var DefaultConfig = config.Default

var (
	WithConfig      = runtime.WithConfig
	WithFileConfig  = runtime.WithFileConfig
	WithLogger      = runtime.WithLogger
	WithClock       = runtime.WithClock
	WithMemoryStore = runtime.WithMemoryStore
	WithSQLite      = runtime.WithSQLite
	WithStore       = runtime.WithStore
	WithInterpreter = runtime.WithInterpreter
	WithExecutor    = runtime.WithExecutor
	WithSynthesizer = runtime.WithSynthesizer
	WithReplyFunc   = runtime.WithReplyFunc
)
