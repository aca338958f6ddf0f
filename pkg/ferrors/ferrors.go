// Package ferrors defines the sentinel error kinds shared across the
// fabric. Components wrap these with fmt.Errorf("...: %w", err) so
// callers can still match with errors.Is while getting a human message.
package ferrors

import "errors"

var (
	// ErrUnknownAddress is returned when a route's next hop has no
	// registered mailbox.
	ErrUnknownAddress = errors.New("route: unknown address")

	// ErrEmptyRoute is returned when an operation requires a non-empty
	// route but received one with no addresses left.
	ErrEmptyRoute = errors.New("route: empty")

	// ErrAlreadyRegistered is returned by start_worker/start_processor
	// when an address is already bound to a mailbox.
	ErrAlreadyRegistered = errors.New("node: address already registered")

	// ErrAccessDenied is returned when a message is rejected by a
	// mailbox's incoming access-control predicate.
	ErrAccessDenied = errors.New("access denied")

	// ErrBindFailed is returned when a transport listener fails to
	// bind its local socket.
	ErrBindFailed = errors.New("transport: bind failed")

	// ErrPeerUnreachable is returned when sending on a connection that
	// has already been disconnected or reset.
	ErrPeerUnreachable = errors.New("transport: peer unreachable")

	// ErrInvalidAddress is returned by the multi-address resolver for
	// malformed or unrecognized protocol strings.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrHandshakeTimeout is returned when a secure-channel handshake
	// does not complete within its deadline.
	ErrHandshakeTimeout = errors.New("auth: handshake timeout")

	// ErrCredentialInvalid is returned when credential verification
	// fails during or after a secure-channel handshake.
	ErrCredentialInvalid = errors.New("auth: credential invalid")

	// ErrPolicyDeny is returned when an ABAC policy expression
	// evaluates to deny for a requested action.
	ErrPolicyDeny = errors.New("auth: policy deny")

	// ErrClosed indicates the normal end of a portal or transport
	// connection; it is not a failure.
	ErrClosed = errors.New("io: closed")

	// ErrTimeout is returned to a caller awaiting a reply (send_and_receive)
	// whose deadline expired before a matching reply arrived.
	ErrTimeout = errors.New("timeout")

	// ErrNotFound is returned by repository lookups that find nothing.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned by repository writes that collide with
	// an existing, differently-valued entry.
	ErrConflict = errors.New("storage: conflict")
)
