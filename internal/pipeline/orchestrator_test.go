package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/talkline/dialog-core/internal/breaker"
	"github.com/talkline/dialog-core/internal/core/domain"
	"github.com/talkline/dialog-core/internal/core/ports"
	"github.com/talkline/dialog-core/internal/intentcache"
	"github.com/talkline/dialog-core/internal/storage/memory"
	"github.com/talkline/dialog-core/internal/tracker"
)

var convID = domain.ConversationID{TenantID: "salon-1", UserID: "user-42"}

func newBatch(text string) *domain.Batch {
	return &domain.Batch{
		ID:             "batch-" + text,
		Conversation:   convID,
		Text:           text,
		BatchedCount:   1,
		FirstArrivedAt: time.Now(),
		LastArrivedAt:  time.Now(),
	}
}

// fakeInterpreter returns canned interpretations per message text and
// records the context snapshot each call received.
type fakeInterpreter struct {
	mu        sync.Mutex
	canned    map[string]*domain.Interpretation
	latency   time.Duration
	err       error
	calls     atomic.Int32
	snapshots []*domain.DialogContext
}

func (f *fakeInterpreter) Interpret(ctx context.Context, text string, snapshot *domain.DialogContext) (*domain.Interpretation, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.snapshots = append(f.snapshots, snapshot)
	f.mu.Unlock()
	if f.latency > 0 {
		time.Sleep(f.latency)
	}
	if f.err != nil {
		return nil, f.err
	}
	if out, ok := f.canned[text]; ok {
		return out, nil
	}
	return &domain.Interpretation{Intents: []domain.Intent{{Name: "small_talk"}}}, nil
}

func okExecutor() ports.ExecutorFunc {
	return func(ctx context.Context, intent domain.Intent, snapshot *domain.DialogContext) (*domain.ExecutionResult, error) {
		return &domain.ExecutionResult{Intent: intent, Success: true}, nil
	}
}

func echoSynthesizer() ports.SynthesizerFunc {
	return func(ctx context.Context, results []domain.ExecutionResult, snapshot *domain.DialogContext) (string, error) {
		names := make([]string, len(results))
		for i, r := range results {
			names[i] = r.Intent.Name
		}
		return "done: " + strings.Join(names, ","), nil
	}
}

func newTestOrchestrator(store ports.ContextStore, interp ports.Interpreter, exec ports.Executor, opts Options) (*Orchestrator, *tracker.Tracker) {
	tr := tracker.New(store, tracker.Options{
		ClaimGrace:   time.Minute,
		PollInterval: 5 * time.Millisecond,
	})
	cache := intentcache.New[*domain.Interpretation](100)
	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Minute
	}
	return New(tr, cache, interp, exec, echoSynthesizer(), opts), tr
}

func TestProcessHappyPath(t *testing.T) {
	store := memory.New()
	interp := &fakeInterpreter{canned: map[string]*domain.Interpretation{
		"Хочу записаться на стрижку завтра": {
			Intents:           []domain.Intent{{Name: "book_appointment"}},
			MentionedServices: []string{"стрижка"},
			MentionedDates:    []string{"2025-08-02"},
		},
	}}
	o, _ := newTestOrchestrator(store, interp, okExecutor(), Options{ContextTTL: time.Hour})

	reply, err := o.Process(context.Background(), newBatch("Хочу записаться на стрижку завтра"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply != "done: book_appointment" {
		t.Errorf("reply = %q", reply)
	}

	dc, err := store.Get(context.Background(), convID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if dc.Processing.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", dc.Processing.Status)
	}
	if dc.Processing.Result == nil || dc.Processing.Result.Reply != reply {
		t.Errorf("stored result = %+v, want reply recorded", dc.Processing.Result)
	}
	if len(dc.MentionedDates) != 1 || dc.MentionedDates[0] != "2025-08-02" {
		t.Errorf("mentioned dates = %v, want [2025-08-02]", dc.MentionedDates)
	}
	if len(dc.Turns) != 2 || dc.Turns[0].Role != "user" || dc.Turns[1].Role != "assistant" {
		t.Errorf("turns = %+v, want user+assistant", dc.Turns)
	}
	if dc.ExpiresAt.IsZero() {
		t.Error("context TTL not applied")
	}
}

func TestExecutionOrderPreserved(t *testing.T) {
	store := memory.New()
	interp := &fakeInterpreter{canned: map[string]*domain.Interpretation{
		"msg": {Intents: []domain.Intent{{Name: "a"}, {Name: "b"}, {Name: "c"}}},
	}}
	var order []string
	exec := ports.ExecutorFunc(func(ctx context.Context, intent domain.Intent, snapshot *domain.DialogContext) (*domain.ExecutionResult, error) {
		order = append(order, intent.Name)
		return &domain.ExecutionResult{Intent: intent, Success: true}, nil
	})
	o, _ := newTestOrchestrator(store, interp, exec, Options{})

	reply, err := o.Process(context.Background(), newBatch("msg"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply != "done: a,b,c" {
		t.Errorf("reply = %q, want intents in order", reply)
	}
	if strings.Join(order, ",") != "a,b,c" {
		t.Errorf("execution order = %v", order)
	}
}

func TestBusyConversationWaitsThenReconciles(t *testing.T) {
	store := memory.New()
	interp := &fakeInterpreter{
		latency: 150 * time.Millisecond, // simulated slow interpretation
		canned: map[string]*domain.Interpretation{
			"завтра":  {MentionedDates: []string{"2025-08-02"}, Intents: []domain.Intent{{Name: "select_date"}}},
			"в 15:00": {MentionedTimes: []string{"15:00"}, Intents: []domain.Intent{{Name: "select_time"}}},
		},
	}
	o, _ := newTestOrchestrator(store, interp, okExecutor(), Options{WaitTimeout: 2 * time.Second})
	ctx := context.Background()

	done := make(chan string, 1)
	go func() {
		reply, _ := o.Process(ctx, newBatch("завтра"))
		done <- reply
	}()

	// Arrives while the first message is still interpreting.
	time.Sleep(40 * time.Millisecond)
	reply2, err := o.Process(ctx, newBatch("в 15:00"))
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if reply2 != "done: select_time" {
		t.Errorf("second reply = %q", reply2)
	}
	<-done

	// The second cycle must have seen the first cycle's date mention.
	interp.mu.Lock()
	defer interp.mu.Unlock()
	if len(interp.snapshots) != 2 {
		t.Fatalf("interpreter calls = %d, want 2", len(interp.snapshots))
	}
	second := interp.snapshots[1]
	if len(second.MentionedDates) != 1 || second.MentionedDates[0] != "2025-08-02" {
		t.Errorf("second snapshot dates = %v, want [2025-08-02] from first cycle", second.MentionedDates)
	}

	dc, _ := store.Get(ctx, convID)
	if len(dc.MentionedTimes) != 1 || dc.MentionedTimes[0] != "15:00" {
		t.Errorf("final times = %v, want [15:00]", dc.MentionedTimes)
	}
}

func TestRepeatedMessageHitsCache(t *testing.T) {
	store := memory.New()
	interp := &fakeInterpreter{canned: map[string]*domain.Interpretation{
		"Сколько стоит стрижка?": {Intents: []domain.Intent{{Name: "price_query"}}},
	}}
	o, _ := newTestOrchestrator(store, interp, okExecutor(), Options{CacheTTL: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		reply, err := o.Process(ctx, newBatch("Сколько стоит стрижка?"))
		if err != nil {
			t.Fatalf("Process() #%d error = %v", i+1, err)
		}
		if reply != "done: price_query" {
			t.Errorf("reply #%d = %q", i+1, reply)
		}
	}

	if got := interp.calls.Load(); got != 1 {
		t.Fatalf("interpreter calls = %d, want 1 (second served from cache)", got)
	}
}

func TestInterpreterFailureReleasesAsFailed(t *testing.T) {
	store := memory.New()
	interp := &fakeInterpreter{err: errors.New("nlu unavailable")}
	o, tr := newTestOrchestrator(store, interp, okExecutor(), Options{})
	ctx := context.Background()

	reply, err := o.Process(ctx, newBatch("привет"))
	var ie *domain.InterpretationError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want InterpretationError", err)
	}
	if reply != DefaultFallbackReply {
		t.Errorf("reply = %q, want fallback", reply)
	}

	dc, _ := store.Get(ctx, convID)
	if dc.Processing.Status != domain.StatusFailed {
		t.Errorf("status = %q, want failed", dc.Processing.Status)
	}

	// The conversation is not blocked for the next message.
	claimed, _, err := tr.Claim(ctx, convID, "ещё раз")
	if err != nil || !claimed {
		t.Fatalf("Claim() after failure = %v, %v; want true", claimed, err)
	}
}

func TestExecutorFailureReleasesAsFailed(t *testing.T) {
	store := memory.New()
	interp := &fakeInterpreter{canned: map[string]*domain.Interpretation{
		"msg": {Intents: []domain.Intent{{Name: "book_appointment"}}},
	}}
	exec := ports.ExecutorFunc(func(ctx context.Context, intent domain.Intent, snapshot *domain.DialogContext) (*domain.ExecutionResult, error) {
		return nil, fmt.Errorf("booking api 500")
	})
	o, _ := newTestOrchestrator(store, interp, exec, Options{})

	reply, err := o.Process(context.Background(), newBatch("msg"))
	var ee *domain.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want ExecutionError", err)
	}
	if reply != DefaultFallbackReply {
		t.Errorf("reply = %q, want fallback", reply)
	}
}

func TestOpenCircuitDegradesInsteadOfFailing(t *testing.T) {
	now := time.Now()
	guarded := breaker.Guard(&downStore{}, breaker.New(breaker.Options{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		Now:              func() time.Time { return now },
	}))
	interp := &fakeInterpreter{canned: map[string]*domain.Interpretation{
		"msg": {Intents: []domain.Intent{{Name: "price_query"}}},
	}}
	o, _ := newTestOrchestrator(guarded, interp, okExecutor(), Options{})
	ctx := context.Background()

	// First call trips the breaker and fails; the next is served
	// degraded without touching the store.
	o.Process(ctx, newBatch("msg"))

	reply, err := o.Process(ctx, newBatch("msg"))
	if err != nil {
		t.Fatalf("degraded Process() error = %v", err)
	}
	if reply != "done: price_query" {
		t.Errorf("degraded reply = %q", reply)
	}
}

// downStore always fails with a transient error.
type downStore struct{}

func (downStore) Get(ctx context.Context, id domain.ConversationID) (*domain.DialogContext, error) {
	return nil, &domain.TransientStoreError{Op: "get", Err: errors.New("store down")}
}

func (downStore) Merge(ctx context.Context, id domain.ConversationID, update *domain.ContextUpdate) (*domain.DialogContext, error) {
	return nil, &domain.TransientStoreError{Op: "merge", Err: errors.New("store down")}
}

func (downStore) Age(ctx context.Context, id domain.ConversationID) (time.Duration, error) {
	return 0, &domain.TransientStoreError{Op: "age", Err: errors.New("store down")}
}

func (downStore) Delete(ctx context.Context, id domain.ConversationID) error {
	return &domain.TransientStoreError{Op: "delete", Err: errors.New("store down")}
}

func (downStore) Close() error { return nil }
