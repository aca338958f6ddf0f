package wire

import (
	"bytes"
	"testing"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeCarriesRoutesAndTracing(t *testing.T) {
	msg := TransportMessage{
		Onward:  address.R(address.NewWithTag(address.TCP, "10.0.0.1:4000#1"), address.New("echoer")),
		Return:  address.R(address.New("client")),
		Payload: []byte("Hello Ockam!"),
		Tracing: []byte("req-1"),
	}

	decoded, err := Decode(Encode(msg))
	require.NoError(t, err)
	assert.True(t, decoded.Onward.Equal(msg.Onward))
	assert.True(t, decoded.Return.Equal(msg.Return))
	assert.Equal(t, msg.Payload, decoded.Payload)
	assert.Equal(t, msg.Tracing, decoded.Tracing)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	data := Encode(TransportMessage{Onward: address.R(address.New("a"))})
	data[0] = 9

	_, err := Decode(data)
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	data := Encode(TransportMessage{
		Onward:  address.R(address.New("a"), address.New("b")),
		Payload: []byte("payload"),
	})

	for i := 1; i < len(data); i++ {
		_, err := Decode(data[:i])
		assert.Error(t, err, "truncation at byte %d must not decode", i)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("frame body")))

	got, err := ReadFrame(&buf, DefaultMaxFrameLength)
	require.NoError(t, err)
	assert.Equal(t, "frame body", string(got))
}

func TestReadFrameRejectsOverLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 64)))

	_, err := ReadFrame(&buf, 16)
	require.Error(t, err, "a frame longer than the cap must reset the connection")
}
