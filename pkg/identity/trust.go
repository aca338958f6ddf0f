package identity

// TrustPolicy decides whether a peer identifier, as proven by a
// completed Noise-XX handshake, should be accepted.
type TrustPolicy interface {
	IsTrusted(peer Identifier) bool
}

// TrustPolicyFunc adapts a function to TrustPolicy.
type TrustPolicyFunc func(peer Identifier) bool

func (f TrustPolicyFunc) IsTrusted(peer Identifier) bool { return f(peer) }

// TrustEveryone accepts any peer identifier. It is the default trust
// policy and is appropriate only when the ABAC layer downstream of the
// channel is expected to do the real authorization work.
var TrustEveryone TrustPolicy = TrustPolicyFunc(func(Identifier) bool { return true })

// TrustMultiIdentifiers accepts a peer iff its identifier is a member
// of the given set.
func TrustMultiIdentifiers(allowed ...Identifier) TrustPolicy {
	set := make(map[Identifier]bool, len(allowed))
	for _, id := range allowed {
		set[id] = true
	}
	return TrustPolicyFunc(func(peer Identifier) bool {
		return set[peer]
	})
}
