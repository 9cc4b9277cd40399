package monitoring

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/taskgrid/taskgrid/pkg/scheduler"
)

// defaultSubscriberBuffer is the per-subscriber channel depth before the
// bus starts dropping events for that subscriber.
const defaultSubscriberBuffer = 256

// EventBus fans task transition events out to channel subscribers. It
// implements scheduler.Observer; delivery is non-blocking so a slow
// subscriber can never stall a worker goroutine. Dropped events are
// counted per subscriber and logged.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
}

type subscriber struct {
	id      string
	ch      chan scheduler.TransitionEvent
	dropped atomic.Int64 // publishers share the read lock
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a new subscriber and returns its event channel and a
// cancel function. The channel is closed on cancel and on bus Close.
func (b *EventBus) Subscribe() (<-chan scheduler.TransitionEvent, func()) {
	return b.SubscribeBuffered(defaultSubscriberBuffer)
}

// SubscribeBuffered is Subscribe with an explicit channel depth.
func (b *EventBus) SubscribeBuffered(depth int) (<-chan scheduler.TransitionEvent, func()) {
	if depth <= 0 {
		depth = defaultSubscriberBuffer
	}
	sub := &subscriber{
		id: uuid.New().String(),
		ch: make(chan scheduler.TransitionEvent, depth),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	log.Debug().Str("subscriber_id", sub.id).Int("buffer", depth).Msg("Event subscriber registered")

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { b.unsubscribe(sub.id) })
	}
}

func (b *EventBus) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
		log.Debug().
			Str("subscriber_id", id).
			Int64("dropped", sub.dropped.Load()).
			Msg("Event subscriber removed")
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// TaskTransition implements scheduler.Observer with non-blocking fan-out.
func (b *EventBus) TaskTransition(ev scheduler.TransitionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			if n := sub.dropped.Add(1); n%100 == 1 {
				log.Warn().
					Str("subscriber_id", sub.id).
					Int64("dropped", n).
					Msg("Event subscriber falling behind, dropping events")
			}
		}
	}
}

// Close removes all subscribers and closes their channels. Further
// subscriptions receive an already-closed channel.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
