package secure

import (
	"sync"

	"github.com/cuemby/meridian/pkg/identity"
)

// registryKey identifies a cached channel by the Open Question's
// resolution: a channel is reusable for a given (peer identifier,
// peer multi-address) pair, since the same identity reachable at two
// different addresses (e.g. two NICs) should not share a channel, and
// the same address reused by a different identity (e.g. after a
// restart with a fresh key) must not reuse a stale one.
type registryKey struct {
	peer      identity.Identifier
	multiaddr string
}

// Registry caches OPEN channels so repeated dials to the same peer at
// the same address reuse an existing secure channel instead of
// re-running the handshake.
type Registry struct {
	mu  sync.RWMutex
	byK map[registryKey]*Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{byK: make(map[registryKey]*Channel)}
}

// Get returns the cached channel for (peer, multiaddr), if one exists
// and is still open.
func (r *Registry) Get(peer identity.Identifier, multiaddr string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byK[registryKey{peer: peer, multiaddr: multiaddr}]
	if !ok {
		return nil, false
	}
	if ch.State() != StateOpen {
		return nil, false
	}
	return ch, true
}

// Put registers ch under (peer, multiaddr), replacing any previous
// entry.
func (r *Registry) Put(peer identity.Identifier, multiaddr string, ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byK[registryKey{peer: peer, multiaddr: multiaddr}] = ch
}

// Remove drops the cached entry for (peer, multiaddr), if its current
// value is ch (a channel that has since been replaced is left alone).
func (r *Registry) Remove(peer identity.Identifier, multiaddr string, ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{peer: peer, multiaddr: multiaddr}
	if existing, ok := r.byK[key]; ok && existing == ch {
		delete(r.byK, key)
	}
}

// Sweep drops every cached entry whose channel is no longer open
// (failed handshakes, channels closed by either side). Per-channel
// handshake timeouts are already enforced by the channel itself; this
// just keeps the registry from accumulating references to channels
// nothing will ever look up again. Returns the number of entries
// removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, ch := range r.byK {
		if ch.State() != StateOpen {
			delete(r.byK, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of currently cached entries, open or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byK)
}
