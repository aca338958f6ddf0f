/*
Package flowcontrol implements the fabric's capability model: which
addresses may deliver to which. Every accepted transport connection
and every secure-channel instance mints a FlowControlId as a
"producer"; listeners act as "spawners" that issue ids to their
children. A consumer subscribes either to one concrete producer id or
to a spawner id, meaning "any child of this spawner".

The registry is additive-only for the life of a node and is read far
more often than written (every dispatch consults it), so writes take
a single mutex and reads take a read lock — the same shape as the
teacher's events.Broker subscriber map.
*/
package flowcontrol

import (
	"sync"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/google/uuid"
)

// ID is an opaque, unique capability token minted per connection or
// secure-channel producer binding.
type ID string

// Generate mints a fresh, globally unique flow-control id.
func Generate() ID {
	return ID(uuid.NewString())
}

// FlowControls is the fabric's capability registry, mapping producer
// and spawner ids to the consumer ids allowed to receive from them.
// The zero value is not usable; construct with New.
type FlowControls struct {
	mu sync.RWMutex

	// consumers maps a producer (or spawner) id to the set of
	// addresses authorized to receive from it.
	consumers map[ID]map[address.Address]struct{}

	// spawnerOf maps a producer id to the spawner id that created it,
	// if any (empty string means the id has no spawner, e.g. it was
	// minted directly by a secure channel).
	spawnerOf map[ID]ID

	// producerAddress maps a producer id to the address of the worker
	// acting as that producer (used by find_producer_for).
	producerAddress map[ID]address.Address

	// allowAll marks workers that accept messages regardless of flow
	// id, matching "process-local workers default to allow-all unless
	// an explicit access-control is attached".
	allowAll map[address.Address]struct{}
}

// New creates an empty flow-controls registry.
func New() *FlowControls {
	return &FlowControls{
		consumers:       make(map[ID]map[address.Address]struct{}),
		spawnerOf:       make(map[ID]ID),
		producerAddress: make(map[ID]address.Address),
		allowAll:        make(map[address.Address]struct{}),
	}
}

// GenerateID mints a fresh id with no spawner; nothing is registered.
func (f *FlowControls) GenerateID() ID {
	return Generate()
}

// NewSpawnerFlow mints an id for a listener (spawner) that will itself
// issue per-connection child ids via NewProducerFlow.
func (f *FlowControls) NewSpawnerFlow() ID {
	return Generate()
}

// NewProducerFlow mints a child id of spawner and registers the
// worker at producerAddr as the concrete owner of that id, so
// find_producer_for can promote a worker into this flow.
func (f *FlowControls) NewProducerFlow(spawner ID, producerAddr address.Address) ID {
	id := Generate()
	f.mu.Lock()
	defer f.mu.Unlock()
	if spawner != "" {
		f.spawnerOf[id] = spawner
	}
	f.producerAddress[id] = producerAddr
	return id
}

// AddConsumer authorizes addr to receive from producers carrying id
// (a concrete producer id or a spawner id).
func (f *FlowControls) AddConsumer(addr address.Address, id ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.consumers[id]
	if !ok {
		set = make(map[address.Address]struct{})
		f.consumers[id] = set
	}
	set[addr] = struct{}{}
}

// MarkAllowAll marks addr as accepting messages from any producer,
// the default for plain process-local workers with no explicit
// access-control.
func (f *FlowControls) MarkAllowAll(addr address.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowAll[addr] = struct{}{}
}

// FindProducerForAddress returns the producer id that the given
// address was registered as the owner of, used by transports to
// promote a freshly spawned sender/receiver pair into their flow.
func (f *FlowControls) FindProducerForAddress(addr address.Address) (ID, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, a := range f.producerAddress {
		if a.Equal(addr) {
			return id, true
		}
	}
	return "", false
}

// IsAuthorized implements the admission rule: addr may receive a
// message carrying producerID if addr is allow-all, or if addr is a
// registered consumer of producerID itself or of producerID's
// spawner.
func (f *FlowControls) IsAuthorized(addr address.Address, producerID ID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if _, ok := f.allowAll[addr]; ok {
		return true
	}
	if producerID == "" {
		// No producer attached to this message; only allow-all
		// consumers (already checked above) may receive it.
		return false
	}
	if set, ok := f.consumers[producerID]; ok {
		if _, ok := set[addr]; ok {
			return true
		}
	}
	if spawner, ok := f.spawnerOf[producerID]; ok {
		if set, ok := f.consumers[spawner]; ok {
			if _, ok := set[addr]; ok {
				return true
			}
		}
	}
	return false
}

// SetupFlowControlForAddresses implements setup_flow_control_for: when
// dispatching outbound to next, if next belongs to a known producer,
// every address in senders becomes a consumer of that producer's id
// so replies are accepted back.
func (f *FlowControls) SetupFlowControlForAddresses(senders []address.Address, next address.Address) {
	id, ok := f.FindProducerForAddress(next)
	if !ok {
		return
	}
	for _, s := range senders {
		f.AddConsumer(s, id)
	}
}
