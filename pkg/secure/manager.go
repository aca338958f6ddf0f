package secure

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/flowcontrol"
	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/rs/zerolog"
)

// Manager owns the one well-known listener address a node accepts
// incoming handshakes on, mints per-peer Channels, and tracks them in
// a Registry.
type Manager struct {
	node        *node.Node
	identity    *identity.KeyPair
	logger      zerolog.Logger
	listener    address.Address
	spawner     flowcontrol.ID
	defaultOpts Options
	registry    *Registry
}

// NewManager creates a channel manager for n, identified as
// localIdentity, applying defaultOpts (trust policy, credential
// presentation mode) to every channel it initiates or accepts.
func NewManager(n *node.Node, localIdentity *identity.KeyPair, defaultOpts Options) *Manager {
	return &Manager{
		node:        n,
		identity:    localIdentity,
		logger:      log.WithComponent("secure.manager"),
		listener:    address.NewWithTag(address.SECURE, "channel_listener"),
		spawner:     n.Flows().NewSpawnerFlow(),
		defaultOpts: defaultOpts,
		registry:    NewRegistry(),
	}
}

// ListenerAddress is the well-known local address peers send handshake
// message1 to in order to open a new channel to this node.
func (m *Manager) ListenerAddress() address.Address { return m.listener }

// Registry returns the manager's open-channel cache.
func (m *Manager) Registry() *Registry { return m.registry }

// SpawnerFlow returns the spawner id under which every channel this
// manager accepts mints its decrypted-traffic producer. A worker
// registered as a consumer of it accepts traffic from any channel the
// manager ever accepts — the handle portals use to scope themselves
// to identity-verified ingress.
func (m *Manager) SpawnerFlow() flowcontrol.ID { return m.spawner }

// Listen registers the handshake-acceptor worker. Must be called once
// before any peer can initiate a channel to this node.
func (m *Manager) Listen() error {
	_, err := m.node.StartWorker([]address.Address{m.listener}, node.HandlerFunc(m.onIncoming), node.AccessControlPair{})
	if err != nil {
		return fmt.Errorf("secure: listen: %w", err)
	}
	return nil
}

func (m *Manager) onIncoming(ctx *node.Context, msg wire.TransportMessage) error {
	kind, body, err := decodeFrame(msg.Payload)
	if err != nil {
		return err
	}
	if kind != frameHandshake1 {
		return fmt.Errorf("secure: expected handshake message1, got frame kind %d", kind)
	}

	ch, err := newChannel(m.node, Responder, m.identity, m.defaultOpts)
	if err != nil {
		return fmt.Errorf("secure: new responder channel: %w", err)
	}
	ch.encryptorAddr = address.NewWithTag(address.SECURE, string(flowcontrol.Generate())+"#enc")
	ch.decryptorAddr = address.NewWithTag(address.SECURE, string(flowcontrol.Generate())+"#dec")
	if err := ch.startWorkers(m.spawner); err != nil {
		return err
	}
	go ch.runHandshakeTimeout()
	ch.setState(StateWaitEphemeral)

	if err := ch.hs.ReadMessage1(body); err != nil {
		ch.fail(fmt.Errorf("secure: read message1: %w", err))
		return err
	}
	ch.peerRoute = msg.Return
	ch.setState(StateWaitStatic)

	msg2, err := ch.hs.WriteMessage2()
	if err != nil {
		ch.fail(fmt.Errorf("secure: write message2: %w", err))
		return err
	}
	return ch.decryptorCtx.SendMessage(wire.TransportMessage{
		Onward:  ch.peerRoute,
		Return:  address.Route{ch.decryptorAddr},
		Payload: encodeFrame(frameHandshake2, msg2),
	})
}

// Initiate opens a new channel to the peer reachable at listenerRoute
// (a route to that node's secure.Manager.ListenerAddress()),
// overriding the manager's default Options with opts when opts is
// non-zero. It returns once the channel reaches StateOpen or fails.
func (m *Manager) Initiate(ctx context.Context, listenerRoute address.Route, opts Options) (*Channel, error) {
	merged := m.defaultOpts
	if opts.Trust != nil {
		merged.Trust = opts.Trust
	}
	if opts.Presentation != identity.PresentationNone {
		merged.Presentation = opts.Presentation
	}
	if opts.LocalCredential != nil {
		merged.LocalCredential = opts.LocalCredential
	}
	if opts.IssuerPublicKey != nil {
		merged.IssuerPublicKey = opts.IssuerPublicKey
	}
	if opts.Authorities != nil {
		merged.Authorities = opts.Authorities
	}
	if opts.Attributes != nil {
		merged.Attributes = opts.Attributes
	}
	if opts.HandshakeTimeout > 0 {
		merged.HandshakeTimeout = opts.HandshakeTimeout
	}

	ch, err := newChannel(m.node, Initiator, m.identity, merged)
	if err != nil {
		return nil, err
	}
	ch.encryptorAddr = address.NewWithTag(address.SECURE, string(flowcontrol.Generate())+"#enc")
	ch.decryptorAddr = address.NewWithTag(address.SECURE, string(flowcontrol.Generate())+"#dec")
	if err := ch.startWorkers(""); err != nil {
		return nil, err
	}
	go ch.runHandshakeTimeout()

	msg1, err := ch.hs.WriteMessage1()
	if err != nil {
		ch.fail(err)
		return nil, err
	}
	ch.setState(StateWaitEphemeral)

	if err := ch.decryptorCtx.SendMessage(wire.TransportMessage{
		Onward:  listenerRoute,
		Return:  address.Route{ch.decryptorAddr},
		Payload: encodeFrame(frameHandshake1, msg1),
	}); err != nil {
		ch.fail(err)
		return nil, err
	}

	if err := ch.WaitOpen(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// InitiateCached is Initiate with the channel cache in front: if an
// OPEN channel to peer at peerAddr (its multi-address string) is
// already registered, it is returned without a new handshake.
// Otherwise a fresh channel is initiated over listenerRoute, checked
// against the expected peer identifier, and cached under (peer,
// peerAddr). Routes are deliberately not the cache key: every new
// transport connection yields a different route, so a route-keyed
// cache would never hit.
func (m *Manager) InitiateCached(ctx context.Context, peer identity.Identifier, peerAddr string, listenerRoute address.Route, opts Options) (*Channel, error) {
	if ch, ok := m.registry.Get(peer, peerAddr); ok {
		return ch, nil
	}
	if opts.Trust == nil {
		opts.Trust = identity.TrustMultiIdentifiers(peer)
	}
	ch, err := m.Initiate(ctx, listenerRoute, opts)
	if err != nil {
		return nil, err
	}
	if !ch.RemoteIdentity().Equal(peer) {
		ch.Close()
		return nil, fmt.Errorf("secure: peer at %s has identity %s, expected %s: %w",
			peerAddr, ch.RemoteIdentity(), peer, ferrors.ErrAccessDenied)
	}
	m.registry.Put(peer, peerAddr, ch)
	return ch, nil
}

// runHandshakeTimeout fails the channel if it has not reached
// StateOpen within its configured handshake timeout.
func (c *Channel) runHandshakeTimeout() {
	timeout := c.opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = HandshakeTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.readyCh:
	case <-t.C:
		c.fail(fmt.Errorf("secure: handshake timed out after %s: %w", timeout, ferrors.ErrHandshakeTimeout))
	}
}
