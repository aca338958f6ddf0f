package node

import (
	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/flowcontrol"
)

// MessageContext carries the information an AccessControl predicate
// needs to decide whether to admit a message: who is sending it (the
// head of its return route, if any) and which flow-control producer,
// if any, it arrived on.
type MessageContext struct {
	Source     address.Address
	ProducerID flowcontrol.ID
}

// AccessControl decides whether a message described by ctx may be
// delivered to (or sent from) a mailbox. Implementations must not
// block; flow-control queries are synchronous and lock-protected, not
// suspension points.
type AccessControl interface {
	IsAuthorized(ctx MessageContext) bool
}

// AccessControlFunc adapts a plain function to AccessControl.
type AccessControlFunc func(ctx MessageContext) bool

func (f AccessControlFunc) IsAuthorized(ctx MessageContext) bool { return f(ctx) }

// AllowAll authorizes every message. It is the default for
// process-local workers that don't attach an explicit access control.
var AllowAll AccessControl = AccessControlFunc(func(MessageContext) bool { return true })

// DenyAll rejects every message; useful for write-only or purely
// outbound mailboxes.
var DenyAll AccessControl = AccessControlFunc(func(MessageContext) bool { return false })

// FlowControlAccessControl scopes a mailbox to transport/channel
// ingress it has explicitly been made a consumer of. Messages from
// in-process workers carry no producer id and are admitted; a message
// injected by a transport receiver or secure-channel decryptor is
// admitted only if the flow-controls registry authorizes this mailbox
// for the producer it arrived on. Secure-channel decryptors and
// flow-scoped portal listeners attach this to their mailboxes; the
// sender-becomes-consumer promotion on outbound dispatch is what lets
// such a worker receive replies over a connection it initiated.
type FlowControlAccessControl struct {
	Flows *flowcontrol.FlowControls
	Addr  address.Address
}

func (a FlowControlAccessControl) IsAuthorized(ctx MessageContext) bool {
	if ctx.ProducerID == "" {
		return true
	}
	return a.Flows.IsAuthorized(a.Addr, ctx.ProducerID)
}

// AccessControlPair bundles the incoming and outgoing predicates a
// mailbox is created with. A nil field defaults to AllowAll.
type AccessControlPair struct {
	Incoming AccessControl
	Outgoing AccessControl
}

func (p AccessControlPair) incoming() AccessControl {
	if p.Incoming == nil {
		return AllowAll
	}
	return p.Incoming
}

func (p AccessControlPair) outgoing() AccessControl {
	if p.Outgoing == nil {
		return AllowAll
	}
	return p.Outgoing
}
