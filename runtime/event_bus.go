package runtime

import (
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"

	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
)

// EventBus fans every published event out to any number of subscribers.
// Each subscriber owns a bounded queue; when it is full the event is dropped
// for that subscriber only. Publish never blocks.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      atomic.Uint64
	closed      atomic.Bool
	bufferSize  int64
	logger      logging.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id      uint64
	bus     *EventBus
	kinds   map[plugin.EventKind]struct{}
	queue   *queue.Queue
	limit   int64
	pending atomic.Int64
	out     chan plugin.Event
	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

// NewEventBus creates a bus whose subscribers each buffer up to bufferSize events.
func NewEventBus(bufferSize int, logger logging.Logger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &EventBus{
		subscribers: make(map[uint64]*Subscription),
		bufferSize:  int64(bufferSize),
		logger:      logging.OrNop(logger).Named("bus"),
	}
}

// Publish offers ev to every matching subscriber. Events published after
// Close are discarded.
func (b *EventBus) Publish(ev plugin.Event) {
	if ev == nil || b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.wants(ev.Kind()) {
			continue
		}
		if !sub.offer(ev) {
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.logger.Debug("event dropped for slow subscriber",
				zap.Uint64("subscriber", sub.id),
				zap.String("kind", string(ev.Kind())))
		}
	}
}

// Subscribe registers a subscriber for the given kinds, or every kind when
// none are given. Only events published after Subscribe returns are delivered.
func (b *EventBus) Subscribe(kinds ...plugin.EventKind) *Subscription {
	sub := &Subscription{
		id:    b.nextID.Add(1),
		bus:   b,
		queue: queue.New(b.bufferSize),
		limit: b.bufferSize,
		out:   make(chan plugin.Event),
		done:  make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[plugin.EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	go sub.pump()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		sub.shutdown()
		return sub
	}
	b.subscribers[sub.id] = sub
	return sub
}

// Stats returns the number of published events and the total dropped across subscribers.
func (b *EventBus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close stops delivery and closes every subscriber channel. It is idempotent.
func (b *EventBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	return nil
}

// Events returns the delivery channel. It is closed on Unsubscribe or bus Close.
func (s *Subscription) Events() <-chan plugin.Event {
	return s.out
}

// Dropped returns how many events were discarded because this subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches the subscriber and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()
	s.shutdown()
}

func (s *Subscription) wants(k plugin.EventKind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// offer enqueues ev unless the subscriber already holds limit undelivered events.
func (s *Subscription) offer(ev plugin.Event) bool {
	if s.pending.Add(1) > s.limit {
		s.pending.Add(-1)
		return false
	}
	if err := s.queue.Put(ev); err != nil {
		s.pending.Add(-1)
		return false
	}
	return true
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.queue.Dispose()
	})
}

// pump moves events from the queue to the delivery channel in order.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		items, err := s.queue.Get(1)
		if err != nil || len(items) == 0 {
			return
		}
		ev, ok := items[0].(plugin.Event)
		if ok {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
		s.pending.Add(-1)
	}
}

var _ plugin.Publisher = (*EventBus)(nil)
