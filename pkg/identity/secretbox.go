package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// SecretBox seals long-term private key material at rest with
// NaCl secretbox (XSalsa20-Poly1305).
type SecretBox struct {
	key [32]byte
}

// NewSecretBox requires a 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("identity: encryption key must be 32 bytes, got %d", len(key))
	}
	var b SecretBox
	copy(b.key[:], key)
	return &b, nil
}

// NewSecretBoxFromPassphrase derives a 32-byte key from a passphrase
// via SHA-256, for CLI/dev use where no KMS is configured.
func NewSecretBoxFromPassphrase(passphrase string) (*SecretBox, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("identity: passphrase cannot be empty")
	}
	sum := sha256.Sum256([]byte(passphrase))
	return NewSecretBox(sum[:])
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (b *SecretBox) Seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("identity: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open decrypts data previously produced by Seal.
func (b *SecretBox) Open(data []byte) ([]byte, error) {
	if len(data) < 24 {
		return nil, fmt.Errorf("identity: ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], data[:24])
	plaintext, ok := secretbox.Open(nil, data[24:], &nonce, &b.key)
	if !ok {
		return nil, fmt.Errorf("identity: decrypt failed")
	}
	return plaintext, nil
}
