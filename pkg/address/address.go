/*
Package address implements the two leaf value types of the fabric:
Address, an opaque (transport-tag, local-name) pair, and Route, an
ordered path of addresses through the overlay.

# Architecture

	┌──────────────────── ADDRESSING ───────────────────────────┐
	│                                                              │
	│   Address{Tag: LOCAL, Value: "echoer"}                       │
	│   Address{Tag: TCP,   Value: "127.0.0.1:4000#3"}             │
	│                                                              │
	│   Route: [h1, h2, h3, echoer]                                │
	│            ▲                 ▲                              │
	│          head               tail (destination)               │
	│                                                              │
	│   Dispatch pops the head on every hop; each hop worker or    │
	│   transport receiver prepends its own address to the return  │
	│   route so replies retrace the path ("onion" routing).       │
	└──────────────────────────────────────────────────────────┘

Both types are value types: copying an Address or a Route never
aliases mutable state, matching the ownership rules in the fabric's
data model (Route and TransportMessage are passed by move).
*/
package address

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Tag identifies which transport (or the local node) an Address
// belongs to. Tag values below 128 are reserved for built-in
// transports; custom transports should pick values >= 128.
type Tag uint8

const (
	// LOCAL is the reserved tag for addresses owned directly by the
	// node's mailbox table rather than by a transport.
	LOCAL Tag = 0
	TCP   Tag = 1
	UDP   Tag = 2
	WS    Tag = 3
	// SECURE marks addresses created by the secure-channel subsystem
	// (encryptor/decryptor workers).
	SECURE Tag = 4
	// PORTAL marks addresses created by the portal subsystem (inlet
	// connection workers, outlet bridge workers).
	PORTAL Tag = 5
)

func (t Tag) String() string {
	switch t {
	case LOCAL:
		return "0"
	case TCP:
		return "1#tcp"
	case UDP:
		return "2#udp"
	case WS:
		return "3#ws"
	case SECURE:
		return "4#secure"
	case PORTAL:
		return "5#portal"
	default:
		return strconv.Itoa(int(t))
	}
}

// Address is an opaque routable identifier. Equality is by bytes, not
// by any structural decoding of Value.
type Address struct {
	Tag   Tag
	Value string
}

// New builds a local address, the common case for worker/processor
// registration.
func New(value string) Address {
	return Address{Tag: LOCAL, Value: value}
}

// NewWithTag builds an address for a specific transport tag.
func NewWithTag(tag Tag, value string) Address {
	return Address{Tag: tag, Value: value}
}

// IsLocal reports whether the address belongs to the LOCAL tag.
func (a Address) IsLocal() bool {
	return a.Tag == LOCAL
}

// Equal reports byte-wise equality, the only comparison the data
// model permits.
func (a Address) Equal(other Address) bool {
	return a.Tag == other.Tag && a.Value == other.Value
}

// String renders "tag#value", e.g. "0#echoer" or "1#tcp#127.0.0.1:4000".
func (a Address) String() string {
	return fmt.Sprintf("%s#%s", a.Tag, a.Value)
}

// Route is an ordered sequence of addresses: a path through the
// overlay. The zero value is an empty, unsendable route.
type Route []Address

// R is a small constructor helper mirroring the ergonomics of the
// teacher's config builders: Route via R(a, b, c).
func R(addrs ...Address) Route {
	r := make(Route, len(addrs))
	copy(r, addrs)
	return r
}

// Empty reports whether the route has no addresses left.
func (r Route) Empty() bool {
	return len(r) == 0
}

// Next returns the head of the route (the next hop).
func (r Route) Next() (Address, bool) {
	if len(r) == 0 {
		return Address{}, false
	}
	return r[0], true
}

// Recipient returns the tail of the route (the final destination).
func (r Route) Recipient() (Address, bool) {
	if len(r) == 0 {
		return Address{}, false
	}
	return r[len(r)-1], true
}

// Step returns the route with its head removed, implementing "pop
// head of onward route -> next" from the dispatch algorithm.
func (r Route) Step() Route {
	if len(r) == 0 {
		return r
	}
	out := make(Route, len(r)-1)
	copy(out, r[1:])
	return out
}

// Prepend returns a new route with addr pushed onto the head. Used by
// transport receivers to prepend their own sender address to the
// return route before injecting a message into the node, so replies
// retrace the connection ("onion" appendable return routes).
func (r Route) Prepend(addr Address) Route {
	out := make(Route, 0, len(r)+1)
	out = append(out, addr)
	out = append(out, r...)
	return out
}

// Append returns a new route with addr pushed onto the tail.
func (r Route) Append(addr Address) Route {
	out := make(Route, 0, len(r)+1)
	out = append(out, r...)
	out = append(out, addr)
	return out
}

// Concat returns a new route which is r followed by other, used when
// building a full route by gluing a caller-supplied prefix onto a
// cached outlet/service route.
func (r Route) Concat(other Route) Route {
	out := make(Route, 0, len(r)+len(other))
	out = append(out, r...)
	out = append(out, other...)
	return out
}

// Equal reports whether two routes have identical addresses in the
// same order.
func (r Route) Equal(other Route) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if !r[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// Key returns a value suitable for use as a map key identifying this
// exact route, used by the secure-channel route cache.
func (r Route) Key() string {
	var b bytes.Buffer
	for i, a := range r {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(a.String())
	}
	return b.String()
}

func (r Route) String() string {
	parts := make([]string, len(r))
	for i, a := range r {
		parts[i] = a.String()
	}
	return "[" + strings.Join(parts, " -> ") + "]"
}
