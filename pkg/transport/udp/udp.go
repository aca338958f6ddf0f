/*
Package udp implements the UDP transport. Datagrams are fragmented at
the application layer (fragmentMaxPayload bytes per datagram) since a
TransportMessage envelope can exceed the safe UDP MTU; the receiver
reassembles fragments per (peer, message id) with a bounded TTL so a
dropped fragment's reassembly state doesn't leak forever — the UDP
fragment-TTL decision spec's design notes leave open.
*/
package udp

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/flowcontrol"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/rs/zerolog"
)

// fragmentMaxPayload keeps a fragment comfortably under the common
// 1500-byte Ethernet MTU once IP/UDP/fragment headers are added.
const fragmentMaxPayload = 1200

// fragmentHeaderLen is u64 message id || u16 index || u16 count.
const fragmentHeaderLen = 8 + 2 + 2

// pendingFragmentTTL bounds how long a partially received message's
// reassembly buffer is retained before being swept away.
const pendingFragmentTTL = 30 * time.Second

// Transport owns one bound UDP socket and every peer's sender state.
type Transport struct {
	node        *node.Node
	logger      zerolog.Logger
	msgCounter  atomic.Uint64
	spawnerFlow flowcontrol.ID
}

// New attaches a UDP transport to n.
func New(n *node.Node) *Transport {
	return &Transport{node: n, logger: log.WithComponent("transport.udp"), spawnerFlow: n.Flows().NewSpawnerFlow()}
}

// Listener is a bound UDP socket reassembling inbound fragments and
// dispatching per-peer sender workers for outbound traffic.
type Listener struct {
	conn   *net.UDPConn
	t      *Transport
	stopCh chan struct{}

	mu           sync.Mutex
	peers        map[string]address.Address
	declaredPeer string

	reassembly *reassemblyTable
}

// Listen binds bindAddr (IPv4 only) and begins servicing reads/sweeps
// until Close is called.
func (t *Transport) Listen(bindAddr string) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s: %w", bindAddr, ferrors.ErrBindFailed)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %s: %w", bindAddr, ferrors.ErrBindFailed)
	}

	l := &Listener{
		conn:       conn,
		t:          t,
		stopCh:     make(chan struct{}),
		peers:      make(map[string]address.Address),
		reassembly: newReassemblyTable(),
	}
	metrics.TransportConnectionsTotal.WithLabelValues("udp").Inc()

	go l.readLoop()
	go l.sweepLoop()
	return l, nil
}

// Addr returns the listener's bound local address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Close stops the listener's read/sweep loops and the socket.
func (l *Listener) Close() error {
	close(l.stopCh)
	metrics.TransportConnectionsTotal.WithLabelValues("udp").Dec()
	return l.conn.Close()
}

// DeclarePeer restricts the listener to a single remote peer. The
// socket itself stays unconnected, so datagrams from other sources
// still arrive; the read loop drops them instead of reassembling.
func (l *Listener) DeclarePeer(peer *net.UDPAddr) {
	l.mu.Lock()
	l.declaredPeer = peer.String()
	l.mu.Unlock()
}

func (l *Listener) peerAllowed(peer *net.UDPAddr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.declaredPeer == "" || l.declaredPeer == peer.String()
}

// PeerAddress returns (minting if necessary) the fabric Address
// workers should route through to reach peer, starting its sender
// worker on first use.
func (l *Listener) PeerAddress(peer *net.UDPAddr) address.Address {
	key := peer.String()

	l.mu.Lock()
	addr, ok := l.peers[key]
	l.mu.Unlock()
	if ok {
		return addr
	}

	addr = address.NewWithTag(address.UDP, key)
	producer := l.t.node.Flows().NewProducerFlow(l.t.spawnerFlow, addr)

	_, err := l.t.node.StartWorker([]address.Address{addr}, node.HandlerFunc(func(_ *node.Context, msg wire.TransportMessage) error {
		return l.sendTo(peer, msg)
	}), node.AccessControlPair{})
	if err == nil {
		l.mu.Lock()
		l.peers[key] = addr
		l.mu.Unlock()
		_ = producer // recorded by the flow-controls registry itself
	}
	return addr
}

func (l *Listener) sendTo(peer *net.UDPAddr, msg wire.TransportMessage) error {
	data := wire.Encode(msg)
	id := l.t.msgCounter.Add(1)
	fragments := fragment(id, data)
	for _, f := range fragments {
		if _, err := l.conn.WriteToUDP(f, peer); err != nil {
			return fmt.Errorf("udp: write to %s: %w", peer, err)
		}
		metrics.TransportBytesTotal.WithLabelValues("udp", "out").Add(float64(len(f)))
	}
	return nil
}

func (l *Listener) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, peer, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				return
			}
		}
		metrics.TransportBytesTotal.WithLabelValues("udp", "in").Add(float64(n))

		if !l.peerAllowed(peer) {
			continue
		}

		complete, err := l.reassembly.add(peer.String(), append([]byte(nil), buf[:n]...))
		if err != nil {
			metrics.TransportFramesRejectedTotal.WithLabelValues("udp").Inc()
			l.t.logger.Warn().Err(err).Msg("dropping malformed udp fragment")
			continue
		}
		if complete == nil {
			continue
		}

		msg, err := wire.Decode(complete)
		if err != nil {
			metrics.TransportFramesRejectedTotal.WithLabelValues("udp").Inc()
			continue
		}

		senderAddr := l.PeerAddress(peer)
		msg.Return = msg.Return.Prepend(senderAddr)
		producer, _ := l.t.node.Flows().FindProducerForAddress(senderAddr)
		if err := l.t.node.Inject(msg.Onward, msg, producer); err != nil {
			l.t.logger.Debug().Err(err).Str("onward", msg.Onward.String()).Msg("inject failed")
		}
	}
}

func (l *Listener) sweepLoop() {
	ticker := time.NewTicker(pendingFragmentTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.reassembly.sweep(pendingFragmentTTL)
		case <-l.stopCh:
			return
		}
	}
}

func fragment(id uint64, data []byte) [][]byte {
	count := (len(data) + fragmentMaxPayload - 1) / fragmentMaxPayload
	if count == 0 {
		count = 1
	}
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * fragmentMaxPayload
		end := start + fragmentMaxPayload
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]

		f := make([]byte, fragmentHeaderLen+len(chunk))
		binary.BigEndian.PutUint64(f[0:8], id)
		binary.BigEndian.PutUint16(f[8:10], uint16(i))
		binary.BigEndian.PutUint16(f[10:12], uint16(count))
		copy(f[fragmentHeaderLen:], chunk)
		out = append(out, f)
	}
	return out
}
