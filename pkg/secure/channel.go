package secure

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/meridian/pkg/abac"
	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/events"
	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/flowcontrol"
	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/rs/zerolog"
)

// State is a secure channel's position in its handshake/lifecycle
// state machine: INIT -> WAIT_EPH -> WAIT_STATIC -> READY -> OPEN, or
// -> FAILED from any state.
type State int32

const (
	StateInit State = iota
	StateWaitEphemeral
	StateWaitStatic
	StateReady
	StateOpen
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWaitEphemeral:
		return "wait_ephemeral"
	case StateWaitStatic:
		return "wait_static"
	case StateReady:
		return "ready"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	frameHandshake1    byte = 0x01
	frameHandshake2    byte = 0x02
	frameHandshake3    byte = 0x03
	frameCredential    byte = 0x04
	frameCredentialAck byte = 0x05
	frameData          byte = 0x10
)

// HandshakeTimeout bounds how long a channel may sit unestablished
// before it is torn down.
const HandshakeTimeout = 120 * time.Second

// replayWindowSize is how many past nonces a receiver tolerates
// out-of-order delivery for before rejecting a repeat as a replay.
const replayWindowSize = 32

// decryptFailureBudget is how many consecutive decrypt failures a
// channel tolerates before it gives up and fails closed.
const decryptFailureBudget = 3

// Options configures a channel's post-handshake trust and credential
// behavior.
type Options struct {
	Trust            identity.TrustPolicy
	Presentation     identity.PresentationMode
	LocalCredential  *identity.Credential
	IssuerPublicKey  ed25519.PublicKey
	Authorities      map[identity.Identifier]bool
	Attributes       abac.AttributeRepository
	HandshakeTimeout time.Duration
}

// Channel is one Noise-XX secure channel between this node and a
// peer: a handshake state machine plus, once OPEN, an Encryptor and
// Decryptor worker pair that transparently wrap/unwrap application
// traffic flowing through the tunnel.
type Channel struct {
	node   *node.Node
	logger zerolog.Logger
	role   Role
	hs     *Handshake
	opts   Options

	encryptorAddr address.Address
	decryptorAddr address.Address
	decryptorCtx  *node.Context
	peerRoute     address.Route // route to the peer's decryptor, learned during handshake
	producer      flowcontrol.ID

	mu    sync.Mutex
	state State
	keys  SessionKeys

	sendNonce uint64

	recvMu       sync.Mutex
	recvNonce    uint64
	replayWindow uint32
	decryptFails int

	localCredentialSent  bool
	localCredentialAcked bool
	remoteVerified       bool

	readyCh      chan struct{}
	signalOnce   sync.Once
	teardownOnce sync.Once
	failErr      error
}

func newChannel(n *node.Node, role Role, localIdentity *identity.KeyPair, opts Options) (*Channel, error) {
	hs, err := NewHandshake(role, localIdentity)
	if err != nil {
		return nil, err
	}
	if opts.Trust == nil {
		opts.Trust = identity.TrustEveryone
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = HandshakeTimeout
	}
	c := &Channel{
		node:    n,
		logger:  log.WithComponent("secure.channel"),
		role:    role,
		hs:      hs,
		opts:    opts,
		state:   StateInit,
		readyCh: make(chan struct{}),
	}
	return c, nil
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteIdentity returns the peer's proven identifier. Only
// meaningful once the channel has reached at least StateReady.
func (c *Channel) RemoteIdentity() identity.Identifier {
	return c.hs.RemoteIdentity
}

// Encryptor returns the local worker address application code should
// route outbound traffic through: onward = Route{encryptorAddr,
// ...rest}, where rest is the destination beyond the far end of the
// tunnel.
func (c *Channel) Encryptor() address.Address { return c.encryptorAddr }

// WaitOpen blocks until the channel reaches StateOpen, fails, or ctx
// is cancelled.
func (c *Channel) WaitOpen(ctx context.Context) error {
	select {
	case <-c.readyCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateFailed {
			return c.failErr
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail moves the channel to FAILED and tears its workers down. It is
// safe to call at any point in the lifecycle: before OPEN it also
// unblocks WaitOpen with reason, after OPEN (decrypt-failure budget,
// explicit Close) it just performs the teardown.
func (c *Channel) fail(reason error) {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		wasOpen := c.state == StateOpen
		c.failErr = reason
		c.state = StateFailed
		c.mu.Unlock()
		metrics.SecureChannelHandshakesTotal.WithLabelValues("failed").Inc()
		if wasOpen {
			metrics.SecureChannelsOpen.Dec()
		}
		c.signalOnce.Do(func() { close(c.readyCh) })
		c.node.Publish(events.EventChannelFailed, c.encryptorAddr, reason.Error())
		c.logger.Warn().Err(reason).Str("role", roleString(c.role)).Msg("secure channel failed")
		if c.encryptorAddr != (address.Address{}) {
			_ = c.node.StopAddress(c.encryptorAddr)
		}
		if c.decryptorAddr != (address.Address{}) {
			_ = c.node.StopAddress(c.decryptorAddr)
		}
	})
}

// Close tears the channel down deliberately: workers are stopped and
// the state moves to FAILED so registry sweeps drop it. Closing an
// already-failed or already-closed channel is a no-op.
func (c *Channel) Close() {
	c.fail(fmt.Errorf("secure: channel closed: %w", ferrors.ErrClosed))
}

func roleString(r Role) string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

func (c *Channel) markOpen() {
	c.signalOnce.Do(func() {
		c.setState(StateOpen)
		metrics.SecureChannelHandshakesTotal.WithLabelValues("open").Inc()
		metrics.SecureChannelsOpen.Inc()
		close(c.readyCh)
		c.node.Publish(events.EventChannelOpen, c.encryptorAddr, "secure channel open")
	})
}

// directionalKeys returns the key this channel encrypts with (our
// send direction) and the key it decrypts with (the peer's send
// direction), based on role.
func (c *Channel) directionalKeys() (sendKey, recvKey [keySize]byte) {
	if c.role == Initiator {
		return c.keys.InitiatorToResponder, c.keys.ResponderToInitiator
	}
	return c.keys.ResponderToInitiator, c.keys.InitiatorToResponder
}

func encodeFrame(kind byte, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, kind)
	out = append(out, body...)
	return out
}

func decodeFrame(data []byte) (byte, []byte, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("secure: empty frame")
	}
	return data[0], data[1:], nil
}

// sealOuter encrypts plaintext with sendKey under the next send
// nonce, prefixing the 8-byte big-endian nonce so the peer can
// recover it without maintaining its own counter.
func (c *Channel) sealOuter(sendKey [keySize]byte, plaintext []byte) ([]byte, error) {
	nonce := atomic.AddUint64(&c.sendNonce, 1)
	ciphertext, err := encryptWithKey(sendKey, nonce, plaintext, nil)
	if err != nil {
		return nil, err
	}
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	return append(nonceBytes[:], ciphertext...), nil
}

// openOuter decrypts data (nonce-prefixed ciphertext) with recvKey,
// enforcing the replay window and decrypt-failure budget.
func (c *Channel) openOuter(recvKey [keySize]byte, data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("secure: data frame too short")
	}
	nonce := binary.BigEndian.Uint64(data[:8])
	ciphertext := data[8:]

	c.recvMu.Lock()
	if !c.checkReplayLocked(nonce) {
		c.recvMu.Unlock()
		return nil, fmt.Errorf("secure: replayed or stale nonce %d", nonce)
	}
	c.recvMu.Unlock()

	plaintext, err := decryptWithKey(recvKey, nonce, ciphertext, nil)
	if err != nil {
		metrics.SecureChannelDecryptFailuresTotal.Inc()
		c.recvMu.Lock()
		c.decryptFails++
		exceeded := c.decryptFails >= decryptFailureBudget
		c.recvMu.Unlock()
		if exceeded {
			c.fail(fmt.Errorf("secure: decrypt failure budget exceeded: %w", err))
		}
		return nil, err
	}

	c.recvMu.Lock()
	c.decryptFails = 0
	c.recvMu.Unlock()
	return plaintext, nil
}

// checkReplayLocked implements a sliding-window replay check over the
// last replayWindowSize nonces, mirroring the counter+bitmap scheme
// used by AEAD transport protocols to tolerate reordering without
// admitting repeats. Caller holds recvMu.
func (c *Channel) checkReplayLocked(n uint64) bool {
	if n > c.recvNonce {
		shift := n - c.recvNonce
		if shift >= replayWindowSize {
			c.replayWindow = 0
		} else {
			c.replayWindow <<= shift
		}
		c.replayWindow |= 1
		c.recvNonce = n
		return true
	}
	k := c.recvNonce - n
	if k >= replayWindowSize {
		return false
	}
	bit := uint32(1) << k
	if c.replayWindow&bit != 0 {
		return false
	}
	c.replayWindow |= bit
	return true
}

// startWorkers registers the channel's encryptor and decryptor
// mailboxes and mints a fresh producer id for decrypted traffic this
// channel injects — the capability downstream workers (portals,
// services) subscribe to in order to scope themselves to "traffic
// authenticated via this specific identity-verified channel", rather
// than to the raw transport connection underneath it. spawner, when
// non-empty, ties the new producer to the listening manager's spawner
// flow the way a transport listener's accepted connections are tied
// to it.
func (c *Channel) startWorkers(spawner flowcontrol.ID) error {
	_, err := c.node.StartWorker([]address.Address{c.encryptorAddr}, node.HandlerFunc(c.handleOutbound), node.AccessControlPair{})
	if err != nil {
		return fmt.Errorf("secure: start encryptor: %w", err)
	}

	// The decryptor is flow-scoped rather than allow-all: transport
	// ingress reaches it only over connections it is a consumer of.
	// Sending the first handshake message through a connection
	// promotes the decryptor into that connection's flow, which is
	// what admits the peer's replies.
	decAC := node.AccessControlPair{Incoming: node.FlowControlAccessControl{Flows: c.node.Flows(), Addr: c.decryptorAddr}}
	decCtx, err := c.node.StartWorker([]address.Address{c.decryptorAddr}, node.HandlerFunc(c.handleInbound), decAC)
	if err != nil {
		_ = c.node.StopAddress(c.encryptorAddr)
		return fmt.Errorf("secure: start decryptor: %w", err)
	}
	c.decryptorCtx = decCtx
	c.logger = log.WithAddress("secure.channel", c.encryptorAddr.String())
	c.producer = c.node.Flows().NewProducerFlow(spawner, c.decryptorAddr)
	c.node.Publish(events.EventChannelHandshake, c.encryptorAddr, "secure channel handshake started")
	return nil
}

// handleOutbound is the Encryptor's handler: wrap application traffic
// and send it to the peer's decryptor along peerRoute.
func (c *Channel) handleOutbound(ctx *node.Context, msg wire.TransportMessage) error {
	if c.State() != StateOpen {
		return fmt.Errorf("secure: encryptor used before channel is open")
	}
	inner := wire.TransportMessage{Onward: msg.Onward, Return: msg.Return, Payload: msg.Payload, Tracing: msg.Tracing}
	serialized := wire.Encode(inner)

	sendKey, _ := c.directionalKeys()
	sealed, err := c.sealOuter(sendKey, serialized)
	if err != nil {
		return fmt.Errorf("secure: seal outbound: %w", err)
	}

	outer := wire.TransportMessage{Onward: c.peerRoute, Payload: encodeFrame(frameData, sealed)}
	return ctx.SendMessage(outer)
}

// handleInbound is the Decryptor's handler: process handshake and
// credential control frames while not yet open, and decrypt/forward
// application data once open.
func (c *Channel) handleInbound(ctx *node.Context, msg wire.TransportMessage) error {
	kind, body, err := decodeFrame(msg.Payload)
	if err != nil {
		return err
	}

	switch kind {
	case frameHandshake2:
		return c.onMessage2(ctx, body, msg.Return)
	case frameHandshake3:
		return c.onMessage3(ctx, body)
	case frameCredential:
		return c.onCredential(ctx, body)
	case frameCredentialAck:
		return c.onCredentialAck(ctx, body)
	case frameData:
		return c.onData(ctx, body)
	default:
		return fmt.Errorf("secure: unknown frame kind %d", kind)
	}
}

func (c *Channel) onData(ctx *node.Context, body []byte) error {
	if c.State() != StateOpen {
		return fmt.Errorf("secure: data frame before channel open")
	}
	_, recvKey := c.directionalKeys()
	plaintext, err := c.openOuter(recvKey, body)
	if err != nil {
		return fmt.Errorf("secure: open inbound data: %w", err)
	}
	inner, err := wire.Decode(plaintext)
	if err != nil {
		return fmt.Errorf("secure: decode inner message: %w", err)
	}
	inner.Return = inner.Return.Prepend(c.encryptorAddr)
	return c.node.Inject(inner.Onward, inner, c.producer)
}

func (c *Channel) onMessage2(ctx *node.Context, body []byte, returnRoute address.Route) error {
	if c.role != Initiator || c.State() != StateWaitEphemeral {
		return fmt.Errorf("secure: unexpected handshake message2")
	}
	if err := c.hs.ReadMessage2(body); err != nil {
		c.fail(fmt.Errorf("secure: read message2: %w", err))
		return err
	}
	c.peerRoute = returnRoute

	msg3, err := c.hs.WriteMessage3()
	if err != nil {
		c.fail(fmt.Errorf("secure: write message3: %w", err))
		return err
	}
	if err := ctx.SendMessage(wire.TransportMessage{Onward: c.peerRoute, Payload: encodeFrame(frameHandshake3, msg3)}); err != nil {
		c.fail(fmt.Errorf("secure: send message3: %w", err))
		return err
	}
	return c.finalizeHandshake(ctx)
}

func (c *Channel) onMessage3(ctx *node.Context, body []byte) error {
	if c.role != Responder || c.State() != StateWaitStatic {
		return fmt.Errorf("secure: unexpected handshake message3")
	}
	if err := c.hs.ReadMessage3(body); err != nil {
		c.fail(fmt.Errorf("secure: read message3: %w", err))
		return err
	}
	return c.finalizeHandshake(ctx)
}

func (c *Channel) finalizeHandshake(ctx *node.Context) error {
	keys, err := c.hs.Finalize()
	if err != nil {
		c.fail(fmt.Errorf("secure: finalize: %w", err))
		return err
	}
	c.keys = keys

	if !c.opts.Trust.IsTrusted(c.hs.RemoteIdentity) {
		err := fmt.Errorf("secure: peer %s rejected by trust policy: %w", c.hs.RemoteIdentity, ferrors.ErrAccessDenied)
		c.fail(err)
		return err
	}
	c.setState(StateReady)
	return c.advanceCredentials(ctx)
}

// needSendLocal reports whether this side must present a credential of
// its own under the channel's presentation mode.
func (c *Channel) needSendLocal() bool {
	return c.opts.Presentation == identity.PresentationMutual ||
		(c.opts.Presentation == identity.PresentationOneway && c.role == Initiator)
}

// needVerifyRemote reports whether this side must receive and verify
// a credential from the peer under the channel's presentation mode.
func (c *Channel) needVerifyRemote() bool {
	return c.opts.Presentation == identity.PresentationMutual ||
		(c.opts.Presentation == identity.PresentationOneway && c.role == Responder)
}

// maybeOpen moves the channel to StateOpen once this side has both
// presented whatever credential it owes the peer (and had it
// acknowledged) and verified whatever credential it is owed — so a
// channel never opens on the strength of a credential it merely sent,
// only one the peer has actually confirmed receiving.
func (c *Channel) maybeOpen() {
	if c.needVerifyRemote() && !c.remoteVerified {
		return
	}
	if c.needSendLocal() && !c.localCredentialAcked {
		return
	}
	c.markOpen()
}

// advanceCredentials drives the post-handshake credential exchange
// according to opts.Presentation, moving the channel to StateOpen
// once every required presentation has completed.
func (c *Channel) advanceCredentials(ctx *node.Context) error {
	if c.needSendLocal() && !c.localCredentialSent && c.opts.LocalCredential != nil {
		if err := c.sendCredential(ctx); err != nil {
			return err
		}
	}
	c.maybeOpen()
	return nil
}

func (c *Channel) sendCredential(ctx *node.Context) error {
	cred := c.opts.LocalCredential
	payload := encodeCredential(cred)
	sendKey, _ := c.directionalKeys()
	sealed, err := c.sealOuter(sendKey, payload)
	if err != nil {
		return fmt.Errorf("secure: seal credential: %w", err)
	}
	if err := ctx.SendMessage(wire.TransportMessage{Onward: c.peerRoute, Payload: encodeFrame(frameCredential, sealed)}); err != nil {
		return fmt.Errorf("secure: send credential: %w", err)
	}
	c.localCredentialSent = true
	return nil
}

func (c *Channel) onCredential(ctx *node.Context, body []byte) error {
	_, recvKey := c.directionalKeys()
	plaintext, err := c.openOuter(recvKey, body)
	if err != nil {
		return fmt.Errorf("secure: open credential: %w", err)
	}
	cred, err := decodeCredential(plaintext)
	if err != nil {
		return fmt.Errorf("secure: decode credential: %w", err)
	}
	if cred.Subject != c.hs.RemoteIdentity {
		return fmt.Errorf("secure: credential subject does not match handshake identity")
	}
	if err := identity.VerifyCredential(cred, c.opts.IssuerPublicKey, c.opts.Authorities, time.Now()); err != nil {
		c.fail(fmt.Errorf("secure: credential verification failed: %w", err))
		return err
	}
	if c.opts.Attributes != nil {
		if err := c.opts.Attributes.PutAttributes(context.Background(), cred.Subject.String(), cred.Attributes, cred.ExpiresAt); err != nil {
			c.logger.Warn().Err(err).Msg("failed to persist verified credential attributes")
		}
	}
	c.remoteVerified = true

	sendKey, _ := c.directionalKeys()
	ack, err := c.sealOuter(sendKey, []byte{1})
	if err != nil {
		return fmt.Errorf("secure: seal credential ack: %w", err)
	}
	if err := ctx.SendMessage(wire.TransportMessage{Onward: c.peerRoute, Payload: encodeFrame(frameCredentialAck, ack)}); err != nil {
		return fmt.Errorf("secure: send credential ack: %w", err)
	}

	c.maybeOpen()
	return nil
}

func (c *Channel) onCredentialAck(ctx *node.Context, body []byte) error {
	_, recvKey := c.directionalKeys()
	if _, err := c.openOuter(recvKey, body); err != nil {
		return fmt.Errorf("secure: open credential ack: %w", err)
	}
	c.localCredentialAcked = true
	c.maybeOpen()
	return nil
}

// encodeCredential serializes a Credential as a small self-describing
// byte string for transmission inside a sealed frame.
func encodeCredential(c *identity.Credential) []byte {
	var b []byte
	b = append(b, c.Subject[:]...)
	b = append(b, c.Issuer[:]...)
	var ts [16]byte
	binary.BigEndian.PutUint64(ts[0:8], uint64(c.IssuedAt.Unix()))
	binary.BigEndian.PutUint64(ts[8:16], uint64(c.ExpiresAt.Unix()))
	b = append(b, ts[:]...)
	b = append(b, byte(len(c.Signature)))
	b = append(b, c.Signature...)
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(c.Attributes)))
	b = append(b, count[:]...)
	for k, v := range c.Attributes {
		b = append(b, byte(len(k)))
		b = append(b, k...)
		var vl [2]byte
		binary.BigEndian.PutUint16(vl[:], uint16(len(v)))
		b = append(b, vl[:]...)
		b = append(b, v...)
	}
	return b
}

func decodeCredential(data []byte) (*identity.Credential, error) {
	if len(data) < 32+32+16+1 {
		return nil, fmt.Errorf("secure: credential payload too short")
	}
	c := &identity.Credential{Attributes: make(map[string]string)}
	copy(c.Subject[:], data[:32])
	copy(c.Issuer[:], data[32:64])
	c.IssuedAt = time.Unix(int64(binary.BigEndian.Uint64(data[64:72])), 0)
	c.ExpiresAt = time.Unix(int64(binary.BigEndian.Uint64(data[72:80])), 0)
	off := 80
	sigLen := int(data[off])
	off++
	if off+sigLen > len(data) {
		return nil, fmt.Errorf("secure: credential signature truncated")
	}
	c.Signature = append([]byte(nil), data[off:off+sigLen]...)
	off += sigLen
	if off+2 > len(data) {
		return nil, fmt.Errorf("secure: credential attribute count truncated")
	}
	count := binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	for i := 0; i < int(count); i++ {
		if off >= len(data) {
			return nil, fmt.Errorf("secure: credential attributes truncated")
		}
		kl := int(data[off])
		off++
		if off+kl > len(data) {
			return nil, fmt.Errorf("secure: credential attribute key truncated")
		}
		key := string(data[off : off+kl])
		off += kl
		if off+2 > len(data) {
			return nil, fmt.Errorf("secure: credential attribute value length truncated")
		}
		vl := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+vl > len(data) {
			return nil, fmt.Errorf("secure: credential attribute value truncated")
		}
		c.Attributes[key] = string(data[off : off+vl])
		off += vl
	}
	return c, nil
}
