package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventWorkerStarted     EventType = "worker.started"
	EventWorkerStopped     EventType = "worker.stopped"
	EventConnectionUp      EventType = "transport.connection_up"
	EventConnectionDown    EventType = "transport.connection_down"
	EventChannelHandshake  EventType = "secure_channel.handshake_started"
	EventChannelOpen       EventType = "secure_channel.open"
	EventChannelFailed     EventType = "secure_channel.failed"
	EventChannelClosed     EventType = "secure_channel.closed"
	EventCredentialIssued  EventType = "credential.issued"
	EventCredentialInvalid EventType = "credential.invalid"
	EventPortalConnected   EventType = "portal.connected"
	EventPortalClosed      EventType = "portal.closed"
)

// Event represents a fabric event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Publishing
// never blocks a worker: a subscriber that stops draining loses
// events rather than stalling the fabric.
type Broker struct {
	subscribers map[Subscriber][]EventType
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber][]EventType),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a subscription receiving every event type.
func (b *Broker) Subscribe() Subscriber {
	return b.SubscribeTypes()
}

// SubscribeTypes creates a subscription receiving only the given
// event types; with none listed, it receives everything. Channel and
// portal teardown watchers use this to avoid draining every worker
// start/stop the node emits.
func (b *Broker) SubscribeTypes(types ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = types
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, types := range b.subscribers {
		if !wants(types, event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

func wants(types []EventType, t EventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
