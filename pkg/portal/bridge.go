package portal

import (
	"io"
	"net"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/flowcontrol"
	"github.com/cuemby/meridian/pkg/node"
)

// consumerAC builds the access-control pair for a portal worker at
// addr. With no flow ids the worker is left open; otherwise it is
// registered as a consumer of each id and its mailbox admits only
// in-process senders and ingress on those flows.
func consumerAC(n *node.Node, addr address.Address, ids []flowcontrol.ID) node.AccessControlPair {
	if len(ids) == 0 {
		return node.AccessControlPair{}
	}
	for _, id := range ids {
		n.Flows().AddConsumer(addr, id)
	}
	return node.AccessControlPair{Incoming: node.FlowControlAccessControl{Flows: n.Flows(), Addr: addr}}
}

// bridgeLoop reads chunks of at most payloadLen bytes from conn and
// hands each to sendData, until conn is closed locally, the peer
// closes it (sendFin), or a read error occurs (sendRst). It is shared
// by inlet and outlet connections, the one piece of byte-shuffling
// logic both sides need regardless of which way the TCP dial went.
func bridgeLoop(conn net.Conn, payloadLen int, paused func() bool, sendData func([]byte) error, sendFin func() error, sendRst func() error) {
	buf := make([]byte, payloadLen)
	for {
		n, err := conn.Read(buf)
		if n > 0 && !paused() {
			if sendErr := sendData(buf[:n]); sendErr != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				_ = sendFin()
			} else {
				_ = sendRst()
			}
			return
		}
	}
}
