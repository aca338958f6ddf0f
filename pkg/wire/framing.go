package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameLength is the transport-layer default cap
// (MERIDIAN_PORTAL_PAYLOAD_LENGTH's sibling for ordinary envelopes)
// applied when a transport isn't configured with its own limit.
const DefaultMaxFrameLength = 128 * 1024

// WriteFrame writes a u32-BE length-delimited frame: the length
// excludes the 4-byte header itself.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one u32-BE length-delimited frame. A frame whose
// declared length exceeds maxLen is a protocol violation; the caller
// should reset the connection rather than retry.
func ReadFrame(r io.Reader, maxLen uint32) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxLen {
		return nil, fmt.Errorf("wire: frame length %d exceeds max %d", length, maxLen)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return payload, nil
}
