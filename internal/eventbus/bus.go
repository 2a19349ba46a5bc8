// Package eventbus is the in-process pub/sub fan-out described in spec §4.2:
// ordered, lossy-on-slow-consumer, per-project channels, replaying from Store
// on subscribe. Structurally grounded on the nil-safe Bus pattern in the
// corpus's standalone events-bus example, generalized with Store-backed
// durability and per-project sequence ordering.
package eventbus

import (
	"context"
	"sync"

	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
)

// Appender is the subset of Store the bus needs: durable append before
// fan-out, and replay for late subscribers.
type Appender interface {
	AppendEvent(ctx context.Context, projectSlug string, kind domain.EventKind, payload any) (*domain.Event, error)
	ReplayEvents(ctx context.Context, projectSlug string, fromSeq int64) ([]domain.Event, error)
}

// Bus fans out events to live subscribers, one bounded channel per subscriber.
type Bus struct {
	store Appender

	mu       sync.RWMutex
	projects map[string]*projectChannel

	bufferSize int
}

type projectChannel struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is a live handle returned by Subscribe. Consume Events; a
// closed channel means the subscription has ended. No lagged event is
// delivered on the channel: after the close, Lagged reports whether the
// subscriber fell behind and must reconnect via since_seq.
type Subscription struct {
	Events  <-chan domain.Event
	project string
	ch      chan domain.Event
	lagged  bool
}

// New builds a Bus backed by store, with bufferSize as each subscriber's
// bounded buffer (spec §4.2 default 256).
func New(store Appender, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{store: store, projects: make(map[string]*projectChannel), bufferSize: bufferSize}
}

// Publish persists the event via Store then performs a non-blocking fan-out
// to every live subscriber of that project. A subscriber whose buffer is
// full is marked lagged and disconnected by closing its channel; no
// terminal event is sent, and it never blocks the publisher.
func (b *Bus) Publish(ctx context.Context, projectSlug string, kind domain.EventKind, payload any) (*domain.Event, error) {
	event, err := b.store.AppendEvent(ctx, projectSlug, kind, payload)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	pc := b.projects[projectSlug]
	b.mu.RUnlock()
	if pc == nil {
		return event, nil
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	for sub := range pc.subs {
		select {
		case sub.ch <- *event:
		default:
			b.disconnectLaggedLocked(pc, sub)
		}
	}
	return event, nil
}

// Subscribe returns a live stream of events for a project. If sinceSeq >= 0,
// the stream first replays every persisted event with seq > sinceSeq (all of
// them for 0; a negative sinceSeq skips replay) before
// switching to live delivery, with no gap and no duplicate (spec §4.2, §8
// property 4).
func (b *Bus) Subscribe(ctx context.Context, projectSlug string, sinceSeq int64) (*Subscription, error) {
	b.mu.Lock()
	pc, ok := b.projects[projectSlug]
	if !ok {
		pc = &projectChannel{subs: make(map[*Subscription]struct{})}
		b.projects[projectSlug] = pc
	}
	b.mu.Unlock()

	sub := &Subscription{project: projectSlug, ch: make(chan domain.Event, b.bufferSize)}
	sub.Events = sub.ch

	pc.mu.Lock()
	pc.subs[sub] = struct{}{}
	pc.mu.Unlock()

	if sinceSeq >= 0 {
		replay, err := b.store.ReplayEvents(ctx, projectSlug, sinceSeq)
		if err != nil {
			b.Unsubscribe(sub)
			return nil, err
		}
		for _, e := range replay {
			select {
			case sub.ch <- e:
			default:
				sub.lagged = true
				b.Unsubscribe(sub)
				return sub, nil
			}
		}
	}
	return sub, nil
}

// Unsubscribe releases a subscription's resources.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.RLock()
	pc := b.projects[sub.project]
	b.mu.RUnlock()
	if pc == nil {
		return
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, ok := pc.subs[sub]; !ok {
		return
	}
	delete(pc.subs, sub)
	close(sub.ch)
}

// disconnectLaggedLocked marks a subscriber lagged and removes it. Called
// with pc.mu held. The terminal signal is the channel closing; the UI's
// contract (spec glossary "Lagged subscriber") is to reconnect with its last
// observed seq.
func (b *Bus) disconnectLaggedLocked(pc *projectChannel, sub *Subscription) {
	sub.lagged = true
	delete(pc.subs, sub)
	close(sub.ch)
}

// Lagged reports whether this subscription was disconnected for falling
// behind, as opposed to an explicit Unsubscribe.
func (sub *Subscription) Lagged() bool { return sub.lagged }
