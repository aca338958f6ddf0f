package secure

import (
	"crypto/rand"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

func newHash() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only reachable with a non-nil key; a keyless digest cannot fail.
		panic(err)
	}
	return h
}

// keySize is the width of every key and chaining-key value this
// handshake uses: a curve25519 shared secret or an expanded subkey.
const keySize = 32

// dhKeyPair is an X25519 ephemeral or static key pair.
type dhKeyPair struct {
	private [keySize]byte
	public  [keySize]byte
}

func generateDHKeyPair() (dhKeyPair, error) {
	var kp dhKeyPair
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return kp, fmt.Errorf("secure: generate dh key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("secure: derive dh public key: %w", err)
	}
	copy(kp.public[:], pub)
	return kp, nil
}

func dh(priv, pub [keySize]byte) ([keySize]byte, error) {
	var out [keySize]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("secure: dh: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// symmetricState accumulates the running chaining key and transcript
// hash across a handshake, mirroring Noise's SymmetricState but
// trimmed to exactly what the XX pattern here needs: mixKey folds a DH
// output into the chaining key, mixHash appends arbitrary bytes to a
// running transcript used to bind the identity-signature payload to
// everything exchanged so far.
type symmetricState struct {
	chainingKey [keySize]byte
	transcript  []byte
}

func newSymmetricState(protocolName string) *symmetricState {
	s := &symmetricState{}
	copy(s.chainingKey[:], []byte(protocolName))
	s.transcript = append(s.transcript, []byte(protocolName)...)
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	s.transcript = append(s.transcript, data...)
}

// mixKey derives a new chaining key and a fresh AEAD key from the
// current chaining key and a DH output, via HKDF-Expand the way
// Noise's MixKey does (implemented directly over golang.org/x/crypto's
// hkdf rather than a noise framework, since none of the example
// modules import one).
func (s *symmetricState) mixKey(input [keySize]byte) (aeadKey [keySize]byte, err error) {
	reader := hkdf.New(newHash, input[:], s.chainingKey[:], []byte("meridian-secure-channel"))
	if _, err := io.ReadFull(reader, s.chainingKey[:]); err != nil {
		return aeadKey, fmt.Errorf("secure: hkdf chaining key: %w", err)
	}
	if _, err := io.ReadFull(reader, aeadKey[:]); err != nil {
		return aeadKey, fmt.Errorf("secure: hkdf aead key: %w", err)
	}
	return aeadKey, nil
}

func encryptWithKey(key [keySize]byte, nonce uint64, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("secure: new aead: %w", err)
	}
	nonceBytes := encodeNonce(nonce)
	return aead.Seal(nil, nonceBytes[:], plaintext, ad), nil
}

func decryptWithKey(key [keySize]byte, nonce uint64, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("secure: new aead: %w", err)
	}
	nonceBytes := encodeNonce(nonce)
	plaintext, err := aead.Open(nil, nonceBytes[:], ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("secure: aead open: %w", err)
	}
	return plaintext, nil
}

func encodeNonce(n uint64) [chacha20poly1305.NonceSize]byte {
	var out [chacha20poly1305.NonceSize]byte
	for i := 0; i < 8; i++ {
		out[chacha20poly1305.NonceSize-1-i] = byte(n >> (8 * i))
	}
	return out
}
