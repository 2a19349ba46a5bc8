package eventbus

import (
	"context"
	"sync"
	"testing"

	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
)

// fakeAppender is an in-memory Appender, grounded on the teacher's
// hand-rolled-fake test style rather than a mocking library.
type fakeAppender struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func newFakeAppender() *fakeAppender {
	return &fakeAppender{events: make(map[string][]domain.Event)}
}

func (f *fakeAppender) AppendEvent(ctx context.Context, projectSlug string, kind domain.EventKind, payload any) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := int64(len(f.events[projectSlug]) + 1)
	e := domain.Event{Project: projectSlug, Seq: seq, Kind: kind, Payload: payload}
	f.events[projectSlug] = append(f.events[projectSlug], e)
	return &e, nil
}

func (f *fakeAppender) ReplayEvents(ctx context.Context, projectSlug string, fromSeq int64) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, e := range f.events[projectSlug] {
		if e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestPublishDeliversToLiveSubscriber(t *testing.T) {
	ctx := context.Background()
	bus := New(newFakeAppender(), 8)

	sub, err := bus.Subscribe(ctx, "demo", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Publish(ctx, "demo", domain.EventFeatureCreated, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-sub.Events:
		if e.Kind != domain.EventFeatureCreated || e.Seq != 1 {
			t.Errorf("got %+v, want feature_created seq 1", e)
		}
	default:
		t.Fatal("no event delivered")
	}
}

func TestSubscribeReplaysSinceSeq(t *testing.T) {
	ctx := context.Background()
	appender := newFakeAppender()
	bus := New(appender, 8)

	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(ctx, "demo", domain.EventFeatureCreated, nil); err != nil {
			t.Fatal(err)
		}
	}

	sub, err := bus.Subscribe(ctx, "demo", 1)
	if err != nil {
		t.Fatal(err)
	}
	var got []int64
	for i := 0; i < 2; i++ {
		got = append(got, (<-sub.Events).Seq)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("replayed seqs = %v, want [2 3]", got)
	}
}

func TestPublishOrderingIsPerProjectStrict(t *testing.T) {
	ctx := context.Background()
	bus := New(newFakeAppender(), 8)
	sub, err := bus.Subscribe(ctx, "demo", 0)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := bus.Publish(ctx, "demo", domain.EventFeatureCreated, nil); err != nil {
			t.Fatal(err)
		}
	}
	for want := int64(1); want <= 5; want++ {
		e := <-sub.Events
		if e.Seq != want {
			t.Fatalf("got seq %d, want %d", e.Seq, want)
		}
	}
}

func TestSlowSubscriberIsDisconnectedLagged(t *testing.T) {
	ctx := context.Background()
	bus := New(newFakeAppender(), 1) // tiny buffer forces lag quickly

	sub, err := bus.Subscribe(ctx, "demo", 0)
	if err != nil {
		t.Fatal(err)
	}

	// Publish enough events without draining to overflow the buffer.
	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(ctx, "demo", domain.EventFeatureCreated, nil); err != nil {
			t.Fatal(err)
		}
	}

	// The channel should now be closed (lagged-disconnect), draining whatever
	// was buffered before the close.
	for range sub.Events {
	}
	if !sub.Lagged() {
		t.Error("expected subscriber to be marked lagged after overflowing its buffer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	ctx := context.Background()
	bus := New(newFakeAppender(), 8)
	sub, err := bus.Subscribe(ctx, "demo", 0)
	if err != nil {
		t.Fatal(err)
	}
	bus.Unsubscribe(sub)

	if _, ok := <-sub.Events; ok {
		t.Error("expected channel closed after Unsubscribe")
	}
	if sub.Lagged() {
		t.Error("explicit Unsubscribe should not be reported as lagged")
	}
}
