/*
Package portal implements TCP inlets and outlets: a byte-stream tunnel
between two TCP sockets bridged across the node's route overlay (and,
typically, a secure channel in between). An inlet accepts local TCP
connections and relays their bytes as DATA frames to an outlet's
listener; the outlet dials the configured target and bridges the
reverse direction back. PING/PONG establish the per-connection route
pair up front unless SkipHandshake opts out of it; FIN/RST propagate
socket close and error across the tunnel the same way the underlying
transport propagates disconnects.
*/
package portal

import (
	"encoding/binary"
	"fmt"
)

// frameKind tags the first byte of every payload a portal connection
// worker exchanges, matching the wire layout of PING/PONG/DATA/FIN/RST.
type frameKind byte

const (
	framePing frameKind = 0x01
	framePong frameKind = 0x02
	frameData frameKind = 0x10
	frameFin  frameKind = 0x20
	frameRst  frameKind = 0x21
)

func (k frameKind) String() string {
	switch k {
	case framePing:
		return "ping"
	case framePong:
		return "pong"
	case frameData:
		return "data"
	case frameFin:
		return "fin"
	case frameRst:
		return "rst"
	default:
		return "unknown"
	}
}

// DefaultPayloadLength is the default maximum chunk size read from a
// bridged socket before it is sent onward as a DATA frame, matching
// the `MERIDIAN_PORTAL_PAYLOAD_LENGTH` environment variable's default.
const DefaultPayloadLength = 131072

// pingOptionFlags is the option-flags word carried in a PING frame.
type pingOptionFlags uint32

const (
	optionEnableNagle pingOptionFlags = 1 << iota
)

func encodeOptionFlags(enableNagle bool) pingOptionFlags {
	var f pingOptionFlags
	if enableNagle {
		f |= optionEnableNagle
	}
	return f
}

func (f pingOptionFlags) enableNagle() bool { return f&optionEnableNagle != 0 }

func encodeFrame(kind frameKind, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(kind))
	out = append(out, body...)
	return out
}

func decodeFrame(data []byte) (frameKind, []byte, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("portal: empty frame")
	}
	return frameKind(data[0]), data[1:], nil
}

// encodePing serializes a PING body: protocol version byte + 4-byte
// big-endian option flags.
func encodePing(flags pingOptionFlags) []byte {
	body := make([]byte, 5)
	body[0] = protocolVersion
	binary.BigEndian.PutUint32(body[1:5], uint32(flags))
	return body
}

func decodePing(body []byte) (pingOptionFlags, error) {
	if len(body) != 5 {
		return 0, fmt.Errorf("portal: malformed ping body")
	}
	if body[0] != protocolVersion {
		return 0, fmt.Errorf("portal: unsupported protocol version %d", body[0])
	}
	return pingOptionFlags(binary.BigEndian.Uint32(body[1:5])), nil
}

// protocolVersion is portal-v1's wire identifier.
const protocolVersion = 1
