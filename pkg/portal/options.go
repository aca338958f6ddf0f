package portal

import (
	"os"
	"strconv"
	"time"

	"github.com/cuemby/meridian/pkg/flowcontrol"
)

// PayloadLengthEnv overrides the default portal chunk size
// process-wide; an explicit Options.PayloadLength still wins.
const PayloadLengthEnv = "MERIDIAN_PORTAL_PAYLOAD_LENGTH"

// DefaultPingTimeout bounds how long an inlet connection waits for a
// PONG before giving up and resetting the local socket.
const DefaultPingTimeout = 30 * time.Second

// Options configures a portal endpoint. The zero value is valid and
// resolves to the documented defaults.
type Options struct {
	// PayloadLength caps how many bytes are read from the bridged
	// socket per DATA frame. Zero means DefaultPayloadLength.
	PayloadLength int
	// EnableNagle is carried in the PING option flags; this core does
	// not itself toggle TCP_NODELAY.
	EnableNagle bool
	// SkipHandshake omits the PING/PONG exchange: an inlet sends DATA
	// straight at the outlet's listener address and an outlet dials
	// its target lazily on first frame from a new peer.
	SkipHandshake bool
	// Privileged marks a TcpInlet as backed by an in-kernel fast path
	// in deployments that have one. This core has no such path and
	// always runs the regular (worker-backed) implementation; the flag
	// is carried but changes no runtime behaviour (see
	// Inlet.UpdateOutletNodeRoute).
	Privileged bool
	// PingTimeout bounds the handshake. Zero means DefaultPingTimeout.
	PingTimeout time.Duration
	// ConsumeFrom, when non-empty, scopes this endpoint's workers to
	// transport/channel ingress carrying one of the listed flow ids
	// (or a child of a listed spawner id). An outlet behind a secure
	// channel passes the channel manager's spawner flow here so plain
	// transport connections cannot reach it. Empty leaves the workers
	// open, the default for same-process portals.
	ConsumeFrom []flowcontrol.ID
}

func (o Options) withDefaults() Options {
	if o.PayloadLength <= 0 {
		o.PayloadLength = DefaultPayloadLength
		if v, err := strconv.Atoi(os.Getenv(PayloadLengthEnv)); err == nil && v > 0 {
			o.PayloadLength = v
		}
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	return o
}
