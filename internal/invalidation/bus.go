// Package invalidation fans cache invalidation events out to subscribers.
package invalidation

import (
	"sync"
	"time"

	"github.com/hylla/fieldsync/internal/app"
	"github.com/hylla/fieldsync/internal/domain"
)

// Bus delivers every published event to every matching subscriber in publish
// order. Each subscriber has its own unbounded queue, so a slow reader delays
// only itself and never loses events.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	sinks       []func(domain.InvalidationEvent)
	closed      bool
	now         func() time.Time
}

// NewBus constructs a Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*subscriber]struct{}), now: time.Now}
}

// Publish delivers a locally produced event and hands it to attached sinks.
func (b *Bus) Publish(evt domain.InvalidationEvent) {
	b.deliver(evt, true)
}

// Inject delivers an event received from elsewhere without passing it to sinks.
func (b *Bus) Inject(evt domain.InvalidationEvent) {
	b.deliver(evt, false)
}

func (b *Bus) deliver(evt domain.InvalidationEvent, local bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if evt.At.IsZero() {
		evt.At = b.now().UTC()
	}
	for sub := range b.subscribers {
		if sub.filter.Matches(evt) {
			sub.push(evt)
		}
	}
	if local {
		for _, sink := range b.sinks {
			sink(evt)
		}
	}
}

// Attach registers fn to observe every locally published event, in order.
func (b *Bus) Attach(fn func(domain.InvalidationEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, fn)
}

// Subscribe returns a channel of matching events and a cancel func. The channel
// closes after cancel or Close.
func (b *Bus) Subscribe(filter domain.EventFilter) (<-chan domain.InvalidationEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		empty := make(chan domain.InvalidationEvent)
		close(empty)
		return empty, func() {}
	}
	sub := newSubscriber(filter)
	b.subscribers[sub] = struct{}{}
	go sub.pump()
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			sub.stop()
		}
	}
	return sub.out, cancel
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close ends every subscription and drops later publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		sub.stop()
	}
}

type subscriber struct {
	filter domain.EventFilter
	out    chan domain.InvalidationEvent

	mu      sync.Mutex
	queue   []domain.InvalidationEvent
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func newSubscriber(filter domain.EventFilter) *subscriber {
	return &subscriber{
		filter: filter,
		out:    make(chan domain.InvalidationEvent),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) push(evt domain.InvalidationEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
}

// pump moves queued events to out until stopped. Events queued before stop are
// dropped once the subscriber is gone.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		evt := s.queue[0]
		s.queue[0] = domain.InvalidationEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}

var _ app.EventBus = (*Bus)(nil)
