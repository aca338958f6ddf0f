package node

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/wire"
)

// defaultMailboxCapacity bounds the in-process blocking queue; it is
// deliberately small since backpressure, not buffering, is the
// intended regulator for a cooperative scheduler.
const defaultMailboxCapacity = 64

// mailbox is the FIFO queue + access-control pair for one or more
// addresses owned by a single worker or processor instance. A
// mailbox is the exclusive property of the worker that created it;
// the node only ever touches its queue and stop channel.
type mailbox struct {
	addresses []address.Address
	ac        AccessControlPair
	queue     chan inboundMessage
	stopCh    chan struct{}
	stopOnce  sync.Once
	dropped   atomic.Int64

	// shutdownPriority controls the order shutdown_node stops
	// addresses: higher values are stopped first ("portals before
	// channels before transports before core").
	shutdownPriority int
}

type inboundMessage struct {
	msg wire.TransportMessage
	ctx MessageContext
}

func newMailbox(addrs []address.Address, ac AccessControlPair, priority int) *mailbox {
	return &mailbox{
		addresses:        addrs,
		ac:               ac,
		queue:            make(chan inboundMessage, defaultMailboxCapacity),
		stopCh:           make(chan struct{}),
		shutdownPriority: priority,
	}
}

func (m *mailbox) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *mailbox) isStopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// enqueueBlocking is used for in-process sends: it blocks until there
// is room, the mailbox is stopped, or the send's own context signals
// done.
func (m *mailbox) enqueueBlocking(im inboundMessage, done <-chan struct{}) bool {
	select {
	case m.queue <- im:
		return true
	case <-m.stopCh:
		return false
	case <-done:
		return false
	}
}

// enqueueNonBlocking is used for transport ingress: on a full queue it
// drops the message and counts it rather than blocking the receiver
// loop.
func (m *mailbox) enqueueNonBlocking(im inboundMessage) bool {
	select {
	case m.queue <- im:
		return true
	case <-m.stopCh:
		return false
	default:
		m.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of messages dropped due to a full queue
// on non-blocking enqueue.
func (m *mailbox) Dropped() int64 {
	return m.dropped.Load()
}
