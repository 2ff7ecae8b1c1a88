package aggregator

import (
	"sync"
	"testing"
	"time"

	"github.com/talkline/dialog-core/internal/clock"
	"github.com/talkline/dialog-core/internal/core/domain"
)

var convID = domain.ConversationID{TenantID: "salon-1", UserID: "user-42"}

type capture struct {
	mu      sync.Mutex
	batches []*domain.Batch
}

func (c *capture) flush(b *domain.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
}

func (c *capture) all() []*domain.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*domain.Batch(nil), c.batches...)
}

func newTestAggregator(fc *clock.Fake, maxSize int) (*Aggregator, *capture) {
	sink := &capture{}
	a := New(Options{
		Window:       2 * time.Second,
		MaxBatchSize: maxSize,
		Separator:    " ",
		Clock:        fc,
	}, sink.flush)
	return a, sink
}

func TestBurstFlushesOnceInArrivalOrder(t *testing.T) {
	fc := clock.NewFake(time.Now())
	a, sink := newTestAggregator(fc, 10)

	a.Submit(convID, "завтра", fc.Now())
	fc.Advance(500 * time.Millisecond)
	a.Submit(convID, "в 15:00", fc.Now())
	fc.Advance(300 * time.Millisecond)
	a.Submit(convID, "к Ольге", fc.Now())

	if got := sink.all(); len(got) != 0 {
		t.Fatalf("flushed before window elapsed: %d batches", len(got))
	}

	fc.Advance(2 * time.Second)

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("flush count = %d, want 1", len(got))
	}
	b := got[0]
	if b.Text != "завтра в 15:00 к Ольге" {
		t.Errorf("batch text = %q, want arrival-order concatenation", b.Text)
	}
	if b.BatchedCount != 3 || !b.WasAggregated {
		t.Errorf("metadata = {count:%d aggregated:%v}, want {3 true}", b.BatchedCount, b.WasAggregated)
	}
	if a.HasPending(convID) {
		t.Error("pending map still contains the conversation after flush")
	}
}

func TestWindowRestartsPerBatchNotPerMessage(t *testing.T) {
	fc := clock.NewFake(time.Now())
	a, sink := newTestAggregator(fc, 10)

	// The window runs from the first message; later messages do not
	// extend it.
	a.Submit(convID, "один", fc.Now())
	fc.Advance(1900 * time.Millisecond)
	a.Submit(convID, "два", fc.Now())
	fc.Advance(100 * time.Millisecond)

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("flush count = %d, want 1", len(got))
	}
	if got[0].BatchedCount != 2 {
		t.Errorf("batched count = %d, want 2", got[0].BatchedCount)
	}
}

func TestMaxSizeFlushesImmediatelyWithoutSecondFlush(t *testing.T) {
	fc := clock.NewFake(time.Now())
	a, sink := newTestAggregator(fc, 3)

	a.Submit(convID, "a", fc.Now())
	a.Submit(convID, "b", fc.Now())
	a.Submit(convID, "c", fc.Now())

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("flush count = %d, want 1 immediately at max size", len(got))
	}
	if got[0].BatchedCount != 3 {
		t.Errorf("batched count = %d, want 3", got[0].BatchedCount)
	}

	// The cancelled window timer firing later must not re-deliver.
	fc.Advance(5 * time.Second)
	if got := sink.all(); len(got) != 1 {
		t.Fatalf("flush count after window = %d, want still 1", len(got))
	}
}

func TestSingleMessageIsNotAggregated(t *testing.T) {
	fc := clock.NewFake(time.Now())
	a, sink := newTestAggregator(fc, 5)

	a.Submit(convID, "Сколько стоит стрижка?", fc.Now())
	fc.Advance(2 * time.Second)

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("flush count = %d, want 1", len(got))
	}
	if got[0].WasAggregated || got[0].BatchedCount != 1 {
		t.Errorf("metadata = {count:%d aggregated:%v}, want {1 false}", got[0].BatchedCount, got[0].WasAggregated)
	}
}

func TestConversationsAreIndependent(t *testing.T) {
	fc := clock.NewFake(time.Now())
	a, sink := newTestAggregator(fc, 10)
	other := domain.ConversationID{TenantID: "salon-1", UserID: "user-99"}

	a.Submit(convID, "привет", fc.Now())
	fc.Advance(time.Second)
	a.Submit(other, "здравствуйте", fc.Now())
	fc.Advance(time.Second)

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("flush count = %d, want 1 (only first window elapsed)", len(got))
	}
	if got[0].Conversation != convID {
		t.Errorf("flushed conversation = %v, want %v", got[0].Conversation, convID)
	}

	fc.Advance(time.Second)
	if got := sink.all(); len(got) != 2 {
		t.Fatalf("flush count = %d, want 2", len(got))
	}
}

func TestNewBatchOpensAfterFlush(t *testing.T) {
	fc := clock.NewFake(time.Now())
	a, sink := newTestAggregator(fc, 10)

	a.Submit(convID, "первое", fc.Now())
	fc.Advance(2 * time.Second)
	a.Submit(convID, "второе", fc.Now())
	fc.Advance(2 * time.Second)

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("flush count = %d, want 2 separate batches", len(got))
	}
	if got[0].ID == got[1].ID {
		t.Error("batch instances must have distinct IDs")
	}
}

func TestCloseDropsPending(t *testing.T) {
	fc := clock.NewFake(time.Now())
	a, sink := newTestAggregator(fc, 10)

	a.Submit(convID, "сообщение", fc.Now())
	a.Close()
	fc.Advance(5 * time.Second)

	if got := sink.all(); len(got) != 0 {
		t.Fatalf("flush count after close = %d, want 0", len(got))
	}
	a.Submit(convID, "после закрытия", fc.Now())
	if a.HasPending(convID) {
		t.Error("closed aggregator accepted a message")
	}
}
