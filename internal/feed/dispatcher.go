package feed

import (
	"context"
	"sync"
)

const subscriberBufferSize = 16

// Dispatcher fans events out to in-process subscribers. Delivery is
// best-effort: a subscriber whose buffer is full misses the event rather
// than blocking the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*dispatcherSubscriber
	nextID      int64
}

type dispatcherSubscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs an empty in-process feed.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*dispatcherSubscriber),
	}
}

// Subscribe registers a listener for the given user's events. An empty user
// identifier yields a closed channel.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan Event, func()) {
	if userID == "" {
		stream := make(chan Event)
		close(stream)
		return stream, func() {}
	}
	subscriber := &dispatcherSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, subscriberBufferSize),
	}
	d.register(userID, subscriber)
	release := func() {
		d.unregister(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		release()
	}()
	return subscriber.stream, release
}

// Publish delivers the event to every live subscriber of its user. Events
// without a user or table are ignored.
func (d *Dispatcher) Publish(_ context.Context, event Event) error {
	if event.UserID == "" || event.Table == "" {
		return nil
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return nil
	}
	copies := make([]*dispatcherSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
	return nil
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(userID string, subscriber *dispatcherSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*dispatcherSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *Dispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
