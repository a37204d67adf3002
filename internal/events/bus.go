package events

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultSubscriberCapacity = 64

type BusOption func(*Bus)

// Bus fans events out to the subscribers of each generation. Events published
// while a generation has no subscribers are discarded.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
	channelSize int
	logger      *slog.Logger
}

// Subscription is one joined observer. Close is the leave operation.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subscribers: map[string]map[*subscriber]struct{}{},
		channelSize: defaultSubscriberCapacity,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(capacity int) BusOption {
	return func(b *Bus) {
		if capacity > 0 {
			b.channelSize = capacity
		}
	}
}

// Join subscribes to one generation's events.
func (b *Bus) Join(generationID string) Subscription {
	key := normalizeKey(generationID)
	sub := newSubscriber(b.channelSize, b.logger)
	b.mu.Lock()
	if b.subscribers[key] == nil {
		b.subscribers[key] = map[*subscriber]struct{}{}
	}
	b.subscribers[key][sub] = struct{}{}
	b.mu.Unlock()
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			b.leave(key, sub)
		},
	}
}

// Publish delivers the event to every current subscriber of its generation.
func (b *Bus) Publish(event Event) {
	key := normalizeKey(event.GenerationID)
	if key == "" {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.mu.RLock()
	subs := b.snapshot(key)
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.deliver(event)
	}
}

// Subscribers returns how many observers are joined to a generation.
func (b *Bus) Subscribers(generationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[normalizeKey(generationID)])
}

func (b *Bus) snapshot(key string) []*subscriber {
	live := b.subscribers[key]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (b *Bus) leave(key string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscribers, key)
		}
	}
	sub.close()
}

func normalizeKey(id string) string {
	return strings.TrimSpace(id)
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	logger *slog.Logger
	closed bool
}

func newSubscriber(capacity int, logger *slog.Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver never blocks. On overflow exactly one event is dropped: the oldest
// non-critical one, or the oldest event when every queued event and the
// incoming one are critical. The remaining events keep their order.
func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}

	// Only deliver sends, and it holds mu, so the refill below always fits.
	queued := make([]Event, 0, cap(s.ch)+1)
drain:
	for {
		select {
		case ev := <-s.ch:
			queued = append(queued, ev)
		default:
			break drain
		}
	}
	queued = append(queued, event)

	drop := 0
	for i, ev := range queued {
		if !ev.Kind.Critical() {
			drop = i
			break
		}
	}
	if len(queued) > cap(s.ch) {
		s.logDrop(queued[drop], "queue overflow")
		queued = append(queued[:drop], queued[drop+1:]...)
	}
	for _, ev := range queued {
		s.ch <- ev
	}
}

func (s *subscriber) logDrop(event Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Debug("event dropped", "generation_id", event.GenerationID, "kind", event.Kind, "reason", reason)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
