package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of activity event
type EventType string

const (
	EventMindStarted     EventType = "mind_started"
	EventMindStopped     EventType = "mind_stopped"
	EventMindActive      EventType = "mind_active"
	EventMindIdle        EventType = "mind_idle"
	EventMindDone        EventType = "mind_done"
	EventScheduleChanged EventType = "schedule_changed"
)

// Event is one lifecycle or activity event, tagged with the mind it
// concerns.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Mind      string            `json:"mind,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Subscription is a handle to an active callback subscription.
type Subscription struct {
	bus *Bus
	ch  chan *Event
	fn  func(*Event)

	once sync.Once
}

// Unsubscribe detaches the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Bus is the in-process activity event bus. Each subscriber's callback runs
// on its own worker goroutine, so a publish never executes subscriber code
// synchronously and a subscriber may publish from within its callback.
type Bus struct {
	subscribers map[*Subscription]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBus creates a new activity bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscription]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the bus's distribution loop
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a callback for every published event and returns the
// handle to unsubscribe. Events arrive in publish order; a subscriber that
// falls more than 50 events behind starts losing events rather than
// blocking the bus.
func (b *Bus) Subscribe(fn func(*Event)) *Subscription {
	sub := &Subscription{bus: b, ch: make(chan *Event, 50), fn: fn}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	go func() {
		for evt := range sub.ch {
			fn(evt)
		}
	}()

	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
}

// Publish publishes an event to all subscribers. ID and Timestamp are
// filled in when unset.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
