package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{ID: "1", Type: EventWorkerStarted, Message: "echoer up"})

	ev := receive(t, sub)
	assert.Equal(t, EventWorkerStarted, ev.Type)
	assert.False(t, ev.Timestamp.IsZero(), "broker must stamp unset timestamps")
}

func TestBrokerFiltersByType(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	channelsOnly := b.SubscribeTypes(EventChannelOpen, EventChannelFailed)
	defer b.Unsubscribe(channelsOnly)

	b.Publish(&Event{ID: "1", Type: EventWorkerStarted})
	b.Publish(&Event{ID: "2", Type: EventChannelOpen})

	ev := receive(t, channelsOnly)
	require.Equal(t, EventChannelOpen, ev.Type, "the worker event must have been filtered out")

	select {
	case ev := <-channelsOnly:
		t.Fatalf("unexpected extra event %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBrokerFullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.SubscribeTypes(EventPortalConnected)
	defer b.Unsubscribe(sub)

	// Overfill the subscriber buffer without draining; Publish must
	// keep returning promptly, dropping what doesn't fit.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventPortalConnected})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := NewBroker()
	s1 := b.Subscribe()
	s2 := b.SubscribeTypes(EventChannelOpen)
	assert.Equal(t, 2, b.SubscriberCount())

	b.Unsubscribe(s1)
	b.Unsubscribe(s2)
	assert.Equal(t, 0, b.SubscriberCount())
}
