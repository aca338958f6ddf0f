// Package multiaddr parses and resolves the fabric's multi-address
// strings: "/proto/value[/proto/value]*", e.g.
// "/dnsaddr/example.com/tcp/4000/service/api".
package multiaddr

import (
	"fmt"
	"strings"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/ferrors"
)

// Protocol is one recognised multi-address component.
type Protocol string

const (
	ProtoDNSAddr Protocol = "dnsaddr"
	ProtoIP4     Protocol = "ip4"
	ProtoIP6     Protocol = "ip6"
	ProtoTCP     Protocol = "tcp"
	ProtoUDP     Protocol = "udp"
	ProtoWS      Protocol = "ws"
	ProtoService Protocol = "service"
	ProtoSecure  Protocol = "secure"
	ProtoPortal  Protocol = "portal"
)

var knownProtocols = map[Protocol]bool{
	ProtoDNSAddr: true, ProtoIP4: true, ProtoIP6: true, ProtoTCP: true,
	ProtoUDP: true, ProtoWS: true, ProtoService: true, ProtoSecure: true,
	ProtoPortal: true,
}

// tagForProto maps a route-bearing proto to the address.Tag the
// fabric registers that kind of destination under. Mismatching this
// produces an address that looks valid but never matches anything in
// a node's mailbox table, since lookups key on (Tag, Value).
var tagForProto = map[Protocol]address.Tag{
	ProtoService: address.LOCAL,
	ProtoSecure:  address.SECURE,
	ProtoPortal:  address.PORTAL,
}

// Component is a single /proto/value pair.
type Component struct {
	Proto Protocol
	Value string
}

// MultiAddr is a parsed sequence of protocol/value components.
type MultiAddr []Component

// Parse splits s on "/" into protocol/value pairs, rejecting unknown
// protocols and malformed (odd-length, empty) segments.
func Parse(s string) (MultiAddr, error) {
	if !strings.HasPrefix(s, "/") {
		return nil, fmt.Errorf("multiaddr: %q must start with '/': %w", s, ferrors.ErrInvalidAddress)
	}
	parts := strings.Split(s, "/")[1:] // drop leading empty segment
	if len(parts) == 0 || len(parts)%2 != 0 {
		return nil, fmt.Errorf("multiaddr: %q has an odd number of segments: %w", s, ferrors.ErrInvalidAddress)
	}

	var ma MultiAddr
	for i := 0; i < len(parts); i += 2 {
		proto, value := Protocol(parts[i]), parts[i+1]
		if proto == "" || value == "" {
			return nil, fmt.Errorf("multiaddr: %q has an empty segment: %w", s, ferrors.ErrInvalidAddress)
		}
		if !knownProtocols[proto] {
			return nil, fmt.Errorf("multiaddr: unknown protocol %q: %w", proto, ferrors.ErrInvalidAddress)
		}
		ma = append(ma, Component{Proto: proto, Value: value})
	}
	return ma, nil
}

// String reassembles the canonical "/proto/value/..." form.
func (m MultiAddr) String() string {
	var b strings.Builder
	for _, c := range m {
		b.WriteByte('/')
		b.WriteString(string(c.Proto))
		b.WriteByte('/')
		b.WriteString(c.Value)
	}
	return b.String()
}

// HostPort resolves the dnsaddr/ip4/ip6 + tcp/udp prefix of m to a
// "host:port" string, the form transport dialers need.
func (m MultiAddr) HostPort() (string, error) {
	if len(m) < 2 {
		return "", fmt.Errorf("multiaddr: %q has no host/port pair: %w", m, ferrors.ErrInvalidAddress)
	}
	host := m[0]
	switch host.Proto {
	case ProtoDNSAddr, ProtoIP4, ProtoIP6:
	default:
		return "", fmt.Errorf("multiaddr: %q must start with a host protocol: %w", m, ferrors.ErrInvalidAddress)
	}
	port := m[1]
	switch port.Proto {
	case ProtoTCP, ProtoUDP:
	default:
		return "", fmt.Errorf("multiaddr: %q must follow host with tcp/udp: %w", m, ferrors.ErrInvalidAddress)
	}
	return host.Value + ":" + port.Value, nil
}

// ToRoute converts the service/secure/portal suffix of m into a fabric
// Route, for appending after a transport hop is dialed. Each component
// is tagged per tagForProto so the result matches how that kind of
// destination is actually registered in a node's mailbox table —
// plain address.New would always produce a LOCAL tag and silently
// fail to dispatch to SECURE or PORTAL addresses.
func (m MultiAddr) ToRoute() address.Route {
	var route address.Route
	for _, c := range m {
		if tag, ok := tagForProto[c.Proto]; ok {
			route = append(route, address.NewWithTag(tag, c.Value))
		}
	}
	return route
}

// Transport reports the transport protocol (tcp/udp/ws) named in m,
// if any.
func (m MultiAddr) Transport() (Protocol, bool) {
	for _, c := range m {
		switch c.Proto {
		case ProtoTCP, ProtoUDP, ProtoWS:
			return c.Proto, true
		}
	}
	return "", false
}
