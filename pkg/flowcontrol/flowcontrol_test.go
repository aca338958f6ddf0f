package flowcontrol

import (
	"testing"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerOfProducerIsAuthorized(t *testing.T) {
	f := New()
	producerAddr := address.New("tcp-receiver-1")
	consumer := address.New("api")

	id := f.NewProducerFlow("", producerAddr)
	f.AddConsumer(consumer, id)

	assert.True(t, f.IsAuthorized(consumer, id))
	assert.False(t, f.IsAuthorized(address.New("bystander"), id))
}

func TestConsumerOfSpawnerAcceptsAnyChild(t *testing.T) {
	f := New()
	consumer := address.New("api")

	spawner := f.NewSpawnerFlow()
	f.AddConsumer(consumer, spawner)

	child1 := f.NewProducerFlow(spawner, address.New("conn-1"))
	child2 := f.NewProducerFlow(spawner, address.New("conn-2"))
	unrelated := f.NewProducerFlow("", address.New("conn-3"))

	assert.True(t, f.IsAuthorized(consumer, child1))
	assert.True(t, f.IsAuthorized(consumer, child2))
	assert.False(t, f.IsAuthorized(consumer, unrelated))
}

func TestAllowAllAcceptsAnyProducerAndNone(t *testing.T) {
	f := New()
	open := address.New("echoer")
	f.MarkAllowAll(open)

	id := f.NewProducerFlow("", address.New("conn-1"))
	assert.True(t, f.IsAuthorized(open, id))
	assert.True(t, f.IsAuthorized(open, ""), "allow-all also admits messages with no producer")

	guarded := address.New("guarded")
	assert.False(t, f.IsAuthorized(guarded, ""), "no producer and not allow-all means no delivery")
}

func TestSetupFlowControlPromotesSenderToConsumer(t *testing.T) {
	f := New()
	producerAddr := address.New("tcp-sender-1")
	id := f.NewProducerFlow("", producerAddr)

	sender := address.New("client")
	require.False(t, f.IsAuthorized(sender, id))

	// Dispatching outbound through the producer's address makes the
	// sender a consumer of its flow, so the reply is admitted.
	f.SetupFlowControlForAddresses([]address.Address{sender}, producerAddr)
	assert.True(t, f.IsAuthorized(sender, id))
}

func TestFindProducerForAddress(t *testing.T) {
	f := New()
	producerAddr := address.New("udp-peer-1")
	id := f.NewProducerFlow("", producerAddr)

	got, ok := f.FindProducerForAddress(producerAddr)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = f.FindProducerForAddress(address.New("nobody"))
	assert.False(t, ok)
}
