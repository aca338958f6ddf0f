// Package identity implements the fabric's long-term identities,
// signed attribute credentials, and trust policies: the building
// blocks a secure channel handshake checks after the Noise-XX key
// exchange completes.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Identifier is a stable identity: the SHA-256 hash of a long-term
// ed25519 public (root) key, compared byte-wise. It never changes for
// the lifetime of the key pair, even as credentials are issued and
// expire around it.
type Identifier [32]byte

// String renders the identifier as the hex form used in logs, CLI
// output, and trust-set configuration.
func (id Identifier) String() string {
	return hex.EncodeToString(id[:])
}

// Equal reports whether two identifiers are byte-for-byte identical.
func (id Identifier) Equal(other Identifier) bool {
	return id == other
}

// ParseIdentifier decodes the hex form String produces back into an
// Identifier.
func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("identity: parse identifier %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("identity: identifier %q has wrong length", s)
	}
	copy(id[:], raw)
	return id, nil
}

// IdentifierFromPublicKey derives the stable Identifier for a root
// public key.
func IdentifierFromPublicKey(pub ed25519.PublicKey) Identifier {
	return Identifier(sha256.Sum256(pub))
}

// KeyPair is a long-term signing identity: a root ed25519 key pair
// plus the Identifier it derives.
type KeyPair struct {
	ID         Identifier
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a fresh root identity.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &KeyPair{
		ID:         IdentifierFromPublicKey(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// FromPrivateKey rebuilds a KeyPair from raw ed25519 private key
// bytes, as read back from an IdentitiesRepository.
func FromPrivateKey(priv ed25519.PrivateKey) *KeyPair {
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{
		ID:         IdentifierFromPublicKey(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}
}

// Sign signs payload with the identity's root key.
func (k *KeyPair) Sign(payload []byte) []byte {
	return ed25519.Sign(k.PrivateKey, payload)
}
