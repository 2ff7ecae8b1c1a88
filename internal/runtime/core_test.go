package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/talkline/dialog-core/internal/clock"
	"github.com/talkline/dialog-core/internal/core/domain"
	"github.com/talkline/dialog-core/internal/core/ports"
	"github.com/talkline/dialog-core/internal/storage/memory"
)

func echoCollaborators() []Option {
	return []Option{
		WithInterpreter(ports.InterpreterFunc(func(_ context.Context, text string, _ *domain.DialogContext) (*domain.Interpretation, error) {
			return &domain.Interpretation{
				Intents: []domain.Intent{{Name: "echo", Params: map[string]any{"text": text}}},
			}, nil
		})),
		WithExecutor(ports.ExecutorFunc(func(_ context.Context, intent domain.Intent, _ *domain.DialogContext) (*domain.ExecutionResult, error) {
			return &domain.ExecutionResult{Intent: intent, Success: true}, nil
		})),
		WithSynthesizer(ports.SynthesizerFunc(func(_ context.Context, results []domain.ExecutionResult, _ *domain.DialogContext) (string, error) {
			return "готово", nil
		})),
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(); err == nil {
		t.Fatal("expected error when interpreter is missing")
	}
}

func TestSubmitAggregatesAndReplies(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	replies := make(chan string, 1)

	opts := append(echoCollaborators(),
		WithClock(fake),
		WithStore(memory.NewWithNow(fake.Now)),
		WithReplyFunc(func(_ context.Context, _ domain.ConversationID, reply string) {
			replies <- reply
		}),
	)
	core, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	defer core.Close()

	id := domain.ConversationID{TenantID: "salon-1", UserID: "user-1"}
	core.Submit(id, "Хочу записаться", fake.Now())
	core.Submit(id, "на завтра", fake.Now())

	fake.Advance(core.Config().Aggregator.Window)

	select {
	case reply := <-replies:
		if reply != "готово" {
			t.Fatalf("reply = %q", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered after flush")
	}

	snapshot, err := core.Store().Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Turns) != 2 {
		t.Fatalf("turns = %d, want user + assistant", len(snapshot.Turns))
	}
	if snapshot.Turns[0].Content != "Хочу записаться на завтра" {
		t.Errorf("aggregated user turn = %q", snapshot.Turns[0].Content)
	}
}

func TestProcessSynchronous(t *testing.T) {
	opts := append(echoCollaborators(), WithMemoryStore())
	core, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	defer core.Close()

	reply, err := core.Process(context.Background(), &domain.Batch{
		ID:           "batch-1",
		Conversation: domain.ConversationID{TenantID: "salon-1", UserID: "user-2"},
		Text:         "Сколько стоит стрижка?",
		BatchedCount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "готово" {
		t.Fatalf("reply = %q", reply)
	}
}
