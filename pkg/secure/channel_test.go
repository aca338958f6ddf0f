package secure

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/stretchr/testify/require"
)

// newPeers wires an initiator Manager and a responder Manager onto
// the same node, which is enough to drive a full handshake since
// routing only cares about addresses, not which process they live in.
func newPeers(t *testing.T, initOpts, respOpts Options) (n *node.Node, initID, respID *identity.KeyPair, im, rm *Manager) {
	t.Helper()
	n = node.New()
	var err error
	initID, err = identity.Generate()
	require.NoError(t, err)
	respID, err = identity.Generate()
	require.NoError(t, err)

	im = NewManager(n, initID, initOpts)
	rm = NewManager(n, respID, respOpts)
	require.NoError(t, rm.Listen())
	return n, initID, respID, im, rm
}

func TestChannelHandshakeReachesOpen(t *testing.T) {
	_, _, respID, im, rm := newPeers(t, Options{}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := im.Initiate(ctx, address.Route{rm.ListenerAddress()}, Options{})
	require.NoError(t, err)
	require.Equal(t, StateOpen, ch.State())
	require.Equal(t, respID.ID, ch.RemoteIdentity())
}

func TestChannelTrustPolicyRejectsUntrustedPeer(t *testing.T) {
	other, err := identity.Generate()
	require.NoError(t, err)
	onlyOther := identity.TrustMultiIdentifiers(other.ID)

	_, _, _, im, rm := newPeers(t, Options{Trust: onlyOther}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = im.Initiate(ctx, address.Route{rm.ListenerAddress()}, Options{})
	require.Error(t, err)
}

func TestChannelCredentialPresentationOneway(t *testing.T) {
	n := node.New()
	initID, err := identity.Generate()
	require.NoError(t, err)
	respID, err := identity.Generate()
	require.NoError(t, err)
	authority, err := identity.Generate()
	require.NoError(t, err)

	issuer := identity.NewCredentialIssuer(authority, time.Hour)
	cred, err := issuer.Issue(initID.ID, map[string]string{"role": "operator"})
	require.NoError(t, err)

	attrs := newMemAttributes()
	im := NewManager(n, initID, Options{
		Presentation:    identity.PresentationOneway,
		LocalCredential: cred,
	})
	rm := NewManager(n, respID, Options{
		Presentation:    identity.PresentationOneway,
		IssuerPublicKey: authority.PublicKey,
		Attributes:      attrs,
	})
	require.NoError(t, rm.Listen())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := im.Initiate(ctx, address.Route{rm.ListenerAddress()}, Options{})
	require.NoError(t, err)
	require.Equal(t, StateOpen, ch.State())

	got, ok := attrs.get(initID.ID.String())
	require.True(t, ok)
	require.Equal(t, "operator", got["role"])
}

func TestChannelCredentialPresentationRejectsBadIssuer(t *testing.T) {
	n := node.New()
	initID, err := identity.Generate()
	require.NoError(t, err)
	respID, err := identity.Generate()
	require.NoError(t, err)
	authority, err := identity.Generate()
	require.NoError(t, err)
	wrongAuthority, err := identity.Generate()
	require.NoError(t, err)

	issuer := identity.NewCredentialIssuer(wrongAuthority, time.Hour)
	cred, err := issuer.Issue(initID.ID, map[string]string{"role": "operator"})
	require.NoError(t, err)

	im := NewManager(n, initID, Options{
		Presentation:    identity.PresentationOneway,
		LocalCredential: cred,
	})
	rm := NewManager(n, respID, Options{
		Presentation:    identity.PresentationOneway,
		IssuerPublicKey: authority.PublicKey,
	})
	require.NoError(t, rm.Listen())

	// The responder rejects the credential and never acks it, so the
	// initiator's Initiate only returns once the context deadline
	// trips rather than failing immediately.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err = im.Initiate(ctx, address.Route{rm.ListenerAddress()}, Options{})
	require.Error(t, err)
}

func TestChannelDataRoundTripAndReplayRejection(t *testing.T) {
	_, _, _, im, rm := newPeers(t, Options{}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := im.Initiate(ctx, address.Route{rm.ListenerAddress()}, Options{})
	require.NoError(t, err)

	sendKey, recvKey := ch.directionalKeys()

	wrongKeySealed, err := ch.sealOuter(sendKey, []byte("bad"))
	require.NoError(t, err)
	_, err = ch.openOuter(recvKey, wrongKeySealed)
	require.Error(t, err, "a self-encrypted frame must not decrypt with our own receive key")

	sealed, err := ch.sealOuter(sendKey, []byte("hello"))
	require.NoError(t, err)
	plain, err := ch.openOuter(sendKey, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plain)

	_, err = ch.openOuter(sendKey, sealed)
	require.Error(t, err, "replaying the same nonce must be rejected")
}

func TestChannelDecryptFailureBudgetFailsClosed(t *testing.T) {
	_, _, _, im, rm := newPeers(t, Options{}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := im.Initiate(ctx, address.Route{rm.ListenerAddress()}, Options{})
	require.NoError(t, err)

	_, recvKey := ch.directionalKeys()
	for i := 0; i < decryptFailureBudget; i++ {
		garbage := make([]byte, 24)
		garbage[7] = byte(i + 1) // distinct nonce per attempt so the replay window never masks the decrypt failure
		_, _ = ch.openOuter(recvKey, garbage)
	}
	require.Equal(t, StateFailed, ch.State())
}

func TestChannelHandlerInboundBeforeOpenRejectsDataFrame(t *testing.T) {
	n := node.New()
	id, err := identity.Generate()
	require.NoError(t, err)
	ch, err := newChannel(n, Initiator, id, Options{})
	require.NoError(t, err)
	ch.encryptorAddr = address.New("t-enc")
	ch.decryptorAddr = address.New("t-dec")
	require.NoError(t, ch.startWorkers(""))

	err = ch.handleInbound(nil, wire.TransportMessage{Payload: encodeFrame(frameData, make([]byte, 24))})
	require.Error(t, err)
}

func TestChannelCloseTearsDownOpenChannel(t *testing.T) {
	_, _, _, im, rm := newPeers(t, Options{}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := im.Initiate(ctx, address.Route{rm.ListenerAddress()}, Options{})
	require.NoError(t, err)
	require.Equal(t, StateOpen, ch.State())

	ch.Close()
	require.Equal(t, StateFailed, ch.State())
	ch.Close() // second close is a no-op
	require.Equal(t, StateFailed, ch.State())
}

func TestInitiateCachedReusesOpenChannel(t *testing.T) {
	_, _, respID, im, rm := newPeers(t, Options{}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch1, err := im.InitiateCached(ctx, respID.ID, "/ip4/127.0.0.1/tcp/4000", address.Route{rm.ListenerAddress()}, Options{})
	require.NoError(t, err)
	ch2, err := im.InitiateCached(ctx, respID.ID, "/ip4/127.0.0.1/tcp/4000", address.Route{rm.ListenerAddress()}, Options{})
	require.NoError(t, err)
	require.Same(t, ch1, ch2, "a second initiate to the same (peer, address) must reuse the cached channel")

	ch1.Close()
	ch3, err := im.InitiateCached(ctx, respID.ID, "/ip4/127.0.0.1/tcp/4000", address.Route{rm.ListenerAddress()}, Options{})
	require.NoError(t, err)
	require.NotSame(t, ch1, ch3, "a closed channel must not be served from the cache")
}

func TestInitiateCachedRejectsUnexpectedPeerIdentity(t *testing.T) {
	_, _, _, im, rm := newPeers(t, Options{}, Options{})

	impostor, err := identity.Generate()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = im.InitiateCached(ctx, impostor.ID, "/ip4/127.0.0.1/tcp/4000", address.Route{rm.ListenerAddress()}, Options{})
	require.Error(t, err)
}

// memAttributes is a trivial abac.AttributeRepository used only to
// observe what a credential presentation stores.
type memAttributes struct {
	mu   chan struct{}
	data map[string]map[string]string
}

func newMemAttributes() *memAttributes {
	return &memAttributes{mu: make(chan struct{}, 1), data: make(map[string]map[string]string)}
}

func (m *memAttributes) lock()   { m.mu <- struct{}{} }
func (m *memAttributes) unlock() { <-m.mu }

func (m *memAttributes) PutAttributes(_ context.Context, subject string, attrs map[string]string, _ time.Time) error {
	m.lock()
	defer m.unlock()
	m.data[subject] = attrs
	return nil
}

func (m *memAttributes) GetAttributes(_ context.Context, subject string) (map[string]string, error) {
	m.lock()
	defer m.unlock()
	return m.data[subject], nil
}

func (m *memAttributes) DeleteAttributes(_ context.Context, subject string) error {
	m.lock()
	defer m.unlock()
	delete(m.data, subject)
	return nil
}

func (m *memAttributes) get(subject string) (map[string]string, bool) {
	m.lock()
	defer m.unlock()
	v, ok := m.data[subject]
	return v, ok
}
