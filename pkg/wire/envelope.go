/*
Package wire implements the fabric's wire formats: the versioned
TransportMessage envelope (tag-length-value, varint integers,
length-prefixed byte strings) and the route encoding it embeds.

Envelope:

	u8 version=1 || encode(TransportMessage)

encode(TransportMessage) field order: onward route, return route,
payload, optional tracing context. Route encoding:

	varint(count) || [ varint(tag) || bytes(value) ]*
*/
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/meridian/pkg/address"
)

// EnvelopeVersion is the only version this codec understands.
const EnvelopeVersion = 1

// TransportMessage is the unit the node dispatches and transports
// carry across process boundaries.
type TransportMessage struct {
	Onward  address.Route
	Return  address.Route
	Payload []byte
	// Tracing is an optional opaque correlation token; empty means
	// absent.
	Tracing []byte
}

// Encode serializes m into the versioned envelope format.
func Encode(m TransportMessage) []byte {
	var b bytes.Buffer
	b.WriteByte(EnvelopeVersion)
	encodeRoute(&b, m.Onward)
	encodeRoute(&b, m.Return)
	encodeBytes(&b, m.Payload)
	hasTracing := byte(0)
	if len(m.Tracing) > 0 {
		hasTracing = 1
	}
	b.WriteByte(hasTracing)
	if hasTracing == 1 {
		encodeBytes(&b, m.Tracing)
	}
	return b.Bytes()
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (TransportMessage, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return TransportMessage{}, fmt.Errorf("wire: read version: %w", err)
	}
	if version != EnvelopeVersion {
		return TransportMessage{}, fmt.Errorf("wire: unsupported envelope version %d", version)
	}

	onward, err := decodeRoute(r)
	if err != nil {
		return TransportMessage{}, fmt.Errorf("wire: decode onward route: %w", err)
	}
	ret, err := decodeRoute(r)
	if err != nil {
		return TransportMessage{}, fmt.Errorf("wire: decode return route: %w", err)
	}
	payload, err := decodeBytes(r)
	if err != nil {
		return TransportMessage{}, fmt.Errorf("wire: decode payload: %w", err)
	}

	hasTracing, err := r.ReadByte()
	if err != nil {
		return TransportMessage{}, fmt.Errorf("wire: read tracing flag: %w", err)
	}
	var tracing []byte
	if hasTracing == 1 {
		tracing, err = decodeBytes(r)
		if err != nil {
			return TransportMessage{}, fmt.Errorf("wire: decode tracing: %w", err)
		}
	}

	return TransportMessage{Onward: onward, Return: ret, Payload: payload, Tracing: tracing}, nil
}

func encodeRoute(b *bytes.Buffer, route address.Route) {
	putUvarint(b, uint64(len(route)))
	for _, a := range route {
		putUvarint(b, uint64(a.Tag))
		encodeBytes(b, []byte(a.Value))
	}
}

func decodeRoute(r *bytes.Reader) (address.Route, error) {
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	// A corrupt length must not make us allocate unbounded memory; a
	// route longer than the remaining bytes is definitely malformed.
	if int(count) > r.Len()+1 {
		return nil, fmt.Errorf("route count %d exceeds remaining input", count)
	}
	route := make(address.Route, 0, count)
	for i := uint64(0); i < count; i++ {
		tag, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		value, err := decodeBytes(r)
		if err != nil {
			return nil, err
		}
		route = append(route, address.Address{Tag: address.Tag(tag), Value: string(value)})
	}
	return route, nil
}

func encodeBytes(b *bytes.Buffer, data []byte) {
	putUvarint(b, uint64(len(data)))
	b.Write(data)
}

func decodeBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, fmt.Errorf("byte string length %d exceeds remaining input", n)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func putUvarint(b *bytes.Buffer, v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	b.Write(buf[:n])
}
