package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const (
	// DefaultObserverBuffer is the per-observer event buffer.
	DefaultObserverBuffer = 64
	// DefaultMaxObservers caps concurrent observers.
	DefaultMaxObservers = 500
)

var observerIDCounter atomic.Int64

// Filter reports whether an observer wants e.
type Filter func(e Event) bool

// TopicFilter passes events for slug and events that concern every topic.
// An empty slug passes everything.
func TopicFilter(slug string) Filter {
	if slug == "" {
		return nil
	}
	return func(e Event) bool {
		s := topicSlugOf(e)
		return s == "" || s == slug
	}
}

type observer struct {
	id     string
	events chan Event
	filter Filter
	once   sync.Once
}

func (o *observer) close() {
	o.once.Do(func() { close(o.events) })
}

// Broker is the process-local Broadcaster. Each observer has a bounded
// buffer; an observer that falls behind is dropped rather than blocking
// the publisher.
type Broker struct {
	logger       logger.Logger
	buffer       int
	maxObservers int
	now          func() time.Time

	mu        sync.RWMutex
	observers map[string]*observer
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithObserverBuffer sets the per-observer buffer size.
func WithObserverBuffer(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithMaxObservers caps concurrent observers. Zero means unlimited.
func WithMaxObservers(n int) BrokerOption {
	return func(b *Broker) { b.maxObservers = n }
}

// NewBroker creates a Broker.
func NewBroker(log logger.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		logger:       log.With(logger.Component("events")),
		buffer:       DefaultObserverBuffer,
		maxObservers: DefaultMaxObservers,
		now:          time.Now,
		observers:    make(map[string]*observer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast delivers an event to every matching observer without blocking.
func (b *Broker) Broadcast(_ context.Context, eventType string, payload any) {
	e := Event{Type: eventType, Payload: payload, Timestamp: b.now().UTC()}

	b.mu.RLock()
	var slow []string
	sent := 0
	for id, o := range b.observers {
		if o.filter != nil && !o.filter(e) {
			continue
		}
		select {
		case o.events <- e:
			sent++
		default:
			slow = append(slow, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range slow {
		b.logger.Warn("Observer buffer full, dropping observer",
			logger.String("observer_id", id),
			logger.String("event_type", eventType),
		)
		b.remove(id)
	}
	b.logger.Debug("Event broadcast",
		logger.String("event_type", eventType),
		logger.Int("sent", sent),
		logger.Int("dropped", len(slow)),
	)
}

// Subscribe registers an observer. The returned channel closes when ctx
// ends, cleanup runs, or the observer is dropped for falling behind.
// ok is false when the observer limit is reached.
func (b *Broker) Subscribe(ctx context.Context, filter Filter) (events <-chan Event, cleanup func(), ok bool) {
	b.mu.Lock()
	if b.maxObservers > 0 && len(b.observers) >= b.maxObservers {
		b.mu.Unlock()
		b.logger.Warn("Observer limit reached", logger.Int("max_observers", b.maxObservers))
		return nil, func() {}, false
	}
	o := &observer{
		id:     fmt.Sprintf("observer-%d", observerIDCounter.Add(1)),
		events: make(chan Event, b.buffer),
		filter: filter,
	}
	b.observers[o.id] = o
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { b.remove(o.id) })
	cleanup = func() {
		stop()
		b.remove(o.id)
	}
	return o.events, cleanup, true
}

// Count returns the number of connected observers.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Close drops every observer.
func (b *Broker) Close() {
	b.mu.Lock()
	observers := b.observers
	b.observers = make(map[string]*observer)
	b.mu.Unlock()

	for _, o := range observers {
		o.close()
	}
	b.logger.Info("All observers disconnected", logger.Int("count", len(observers)))
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	o, exists := b.observers[id]
	delete(b.observers, id)
	b.mu.Unlock()

	if exists {
		o.close()
	}
}
