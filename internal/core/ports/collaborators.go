package ports

import (
	"context"

	"github.com/talkline/dialog-core/internal/core/domain"
)

// Interpreter is the external NLU service turning free text into intents.
// It must be idempotent for identical input to be cache-safe.
type Interpreter interface {
	Interpret(ctx context.Context, text string, snapshot *domain.DialogContext) (*domain.Interpretation, error)
}

// Executor is the external business-action layer. Intents are dispatched
// one at a time, in the order the interpreter produced them.
type Executor interface {
	Execute(ctx context.Context, intent domain.Intent, snapshot *domain.DialogContext) (*domain.ExecutionResult, error)
}

// Synthesizer produces the user-facing reply from execution results and
// the current dialog context.
type Synthesizer interface {
	Synthesize(ctx context.Context, results []domain.ExecutionResult, snapshot *domain.DialogContext) (string, error)
}

// ReplyFunc delivers a finished reply back to the chat-network gateway.
type ReplyFunc func(ctx context.Context, id domain.ConversationID, reply string)

// InterpreterFunc adapts a function to the Interpreter interface.
type InterpreterFunc func(ctx context.Context, text string, snapshot *domain.DialogContext) (*domain.Interpretation, error)

func (f InterpreterFunc) Interpret(ctx context.Context, text string, snapshot *domain.DialogContext) (*domain.Interpretation, error) {
	return f(ctx, text, snapshot)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, intent domain.Intent, snapshot *domain.DialogContext) (*domain.ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, intent domain.Intent, snapshot *domain.DialogContext) (*domain.ExecutionResult, error) {
	return f(ctx, intent, snapshot)
}

// SynthesizerFunc adapts a function to the Synthesizer interface.
type SynthesizerFunc func(ctx context.Context, results []domain.ExecutionResult, snapshot *domain.DialogContext) (string, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, results []domain.ExecutionResult, snapshot *domain.DialogContext) (string, error) {
	return f(ctx, results, snapshot)
}
