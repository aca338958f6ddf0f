package secure

import (
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/identity"
	"golang.org/x/crypto/hkdf"
)

// Role distinguishes the two handshake participants; the XX pattern
// is asymmetric in which side speaks first.
type Role int

const (
	Initiator Role = iota
	Responder
)

const protocolName = "Meridian_XX_25519_ChaChaPoly_BLAKE2b"

const idPayloadLen = keySize + keySize + ed25519.SignatureSize // static pub || identity pub || signature

// Handshake drives one side of a Noise-XX exchange: three messages,
// after which both sides hold matching directional AEAD keys and have
// learned each other's Identifier. It is crypto-only — trust policy
// and credential presentation are decided by the caller (pkg/secure's
// Channel), not here.
type Handshake struct {
	role     Role
	identity *identity.KeyPair

	ephemeral dhKeyPair
	static    dhKeyPair

	remoteEphemeralPub [keySize]byte
	remoteStaticPub    [keySize]byte
	RemoteIdentity     identity.Identifier
	remoteIdentityPub  ed25519.PublicKey

	sym     *symmetricState
	lastKey [keySize]byte
	step    int
}

// NewHandshake creates a fresh handshake for role, generating this
// side's ephemeral and static key pairs.
func NewHandshake(role Role, localIdentity *identity.KeyPair) (*Handshake, error) {
	eph, err := generateDHKeyPair()
	if err != nil {
		return nil, err
	}
	stat, err := generateDHKeyPair()
	if err != nil {
		return nil, err
	}
	return &Handshake{
		role:      role,
		identity:  localIdentity,
		ephemeral: eph,
		static:    stat,
		sym:       newSymmetricState(protocolName),
	}, nil
}

func (h *Handshake) signTranscript() []byte {
	return h.identity.Sign(append([]byte(nil), h.sym.transcript...))
}

// WriteMessage1 is the initiator's first message: its ephemeral public key.
func (h *Handshake) WriteMessage1() ([]byte, error) {
	if h.role != Initiator || h.step != 0 {
		return nil, fmt.Errorf("secure: write_message1 called out of sequence")
	}
	h.sym.mixHash(h.ephemeral.public[:])
	h.step = 1
	return append([]byte(nil), h.ephemeral.public[:]...), nil
}

// ReadMessage1 is the responder's receipt of the initiator's ephemeral key.
func (h *Handshake) ReadMessage1(msg []byte) error {
	if h.role != Responder || h.step != 0 {
		return fmt.Errorf("secure: read_message1 called out of sequence")
	}
	if len(msg) != keySize {
		return fmt.Errorf("secure: message1 must be %d bytes", keySize)
	}
	copy(h.remoteEphemeralPub[:], msg)
	h.sym.mixHash(msg)
	h.step = 1
	return nil
}

// WriteMessage2 is the responder's reply: its ephemeral key, plus its
// static key and identity proof encrypted under the "ee" derived key.
func (h *Handshake) WriteMessage2() ([]byte, error) {
	if h.role != Responder || h.step != 1 {
		return nil, fmt.Errorf("secure: write_message2 called out of sequence")
	}
	h.sym.mixHash(h.ephemeral.public[:])

	dhEE, err := dh(h.ephemeral.private, h.remoteEphemeralPub)
	if err != nil {
		return nil, err
	}
	kEE, err := h.sym.mixKey(dhEE)
	if err != nil {
		return nil, err
	}

	sig := h.signTranscript()
	payload := make([]byte, 0, idPayloadLen)
	payload = append(payload, h.static.public[:]...)
	payload = append(payload, []byte(h.identity.PublicKey)...)
	payload = append(payload, sig...)

	ciphertext, err := encryptWithKey(kEE, 0, payload, nil)
	if err != nil {
		return nil, err
	}
	h.sym.mixHash(ciphertext)

	dhES, err := dh(h.static.private, h.remoteEphemeralPub)
	if err != nil {
		return nil, err
	}
	kES, err := h.sym.mixKey(dhES)
	if err != nil {
		return nil, err
	}
	h.lastKey = kES

	h.step = 2
	out := append([]byte(nil), h.ephemeral.public[:]...)
	return append(out, ciphertext...), nil
}

// ReadMessage2 is the initiator's receipt of the responder's ephemeral
// key, static key, and identity proof.
func (h *Handshake) ReadMessage2(msg []byte) error {
	if h.role != Initiator || h.step != 1 {
		return fmt.Errorf("secure: read_message2 called out of sequence")
	}
	if len(msg) < keySize {
		return fmt.Errorf("secure: message2 too short")
	}
	copy(h.remoteEphemeralPub[:], msg[:keySize])
	h.sym.mixHash(h.remoteEphemeralPub[:])

	dhEE, err := dh(h.ephemeral.private, h.remoteEphemeralPub)
	if err != nil {
		return err
	}
	kEE, err := h.sym.mixKey(dhEE)
	if err != nil {
		return err
	}

	ciphertext := msg[keySize:]
	plaintext, err := decryptWithKey(kEE, 0, ciphertext, nil)
	if err != nil {
		return err
	}

	// Verify against the transcript as it stood before this ciphertext
	// was appended — that is the snapshot the sender actually signed.
	if err := h.parseIdentityPayload(plaintext); err != nil {
		return err
	}
	h.sym.mixHash(ciphertext)

	dhES, err := dh(h.ephemeral.private, h.remoteStaticPub)
	if err != nil {
		return err
	}
	kES, err := h.sym.mixKey(dhES)
	if err != nil {
		return err
	}
	h.lastKey = kES

	h.step = 2
	return nil
}

// WriteMessage3 is the initiator's final message: its own static key
// and identity proof, encrypted under the "es" derived key.
func (h *Handshake) WriteMessage3() ([]byte, error) {
	if h.role != Initiator || h.step != 2 {
		return nil, fmt.Errorf("secure: write_message3 called out of sequence")
	}
	sig := h.signTranscript()
	payload := make([]byte, 0, idPayloadLen)
	payload = append(payload, h.static.public[:]...)
	payload = append(payload, []byte(h.identity.PublicKey)...)
	payload = append(payload, sig...)

	ciphertext, err := encryptWithKey(h.lastKey, 0, payload, nil)
	if err != nil {
		return nil, err
	}
	h.sym.mixHash(ciphertext)

	dhSE, err := dh(h.static.private, h.remoteEphemeralPub)
	if err != nil {
		return nil, err
	}
	if _, err := h.sym.mixKey(dhSE); err != nil {
		return nil, err
	}

	h.step = 3
	return ciphertext, nil
}

// ReadMessage3 is the responder's receipt of the initiator's static
// key and identity proof, completing the handshake.
func (h *Handshake) ReadMessage3(msg []byte) error {
	if h.role != Responder || h.step != 2 {
		return fmt.Errorf("secure: read_message3 called out of sequence")
	}
	plaintext, err := decryptWithKey(h.lastKey, 0, msg, nil)
	if err != nil {
		return err
	}

	if err := h.parseIdentityPayload(plaintext); err != nil {
		return err
	}
	h.sym.mixHash(msg)

	dhSE, err := dh(h.ephemeral.private, h.remoteStaticPub)
	if err != nil {
		return err
	}
	if _, err := h.sym.mixKey(dhSE); err != nil {
		return err
	}

	h.step = 3
	return nil
}

func (h *Handshake) parseIdentityPayload(plaintext []byte) error {
	if len(plaintext) != idPayloadLen {
		return fmt.Errorf("secure: identity payload wrong length")
	}
	copy(h.remoteStaticPub[:], plaintext[:keySize])
	idPub := append(ed25519.PublicKey(nil), plaintext[keySize:2*keySize]...)
	sig := plaintext[2*keySize:]

	// The signature covers the transcript snapshot up to (not
	// including) this ciphertext, which both sides compute
	// deterministically from the same exchanged bytes.
	snapshot := h.sym.transcript[:len(h.sym.transcript)]
	if !ed25519.Verify(idPub, snapshot, sig) {
		return fmt.Errorf("secure: identity signature verification failed: %w", ferrors.ErrCredentialInvalid)
	}

	h.remoteIdentityPub = idPub
	h.RemoteIdentity = identity.IdentifierFromPublicKey(idPub)
	return nil
}

// SessionKeys is the pair of directional AEAD keys derived once the
// handshake completes: one per direction, so neither side ever
// encrypts and decrypts with the same key.
type SessionKeys struct {
	InitiatorToResponder [keySize]byte
	ResponderToInitiator [keySize]byte
	SessionID            [keySize]byte
}

// Finalize derives the session's directional keys and id from the
// completed handshake's chaining key. Must be called only after both
// WriteMessage3/ReadMessage3 (initiator) or ReadMessage3 (responder)
// have completed step 3.
func (h *Handshake) Finalize() (SessionKeys, error) {
	if h.step != 3 {
		return SessionKeys{}, fmt.Errorf("secure: finalize called before handshake completed")
	}
	var keys SessionKeys
	reader := hkdf.New(newHash, h.sym.chainingKey[:], nil, []byte("meridian-session-keys"))
	if _, err := io.ReadFull(reader, keys.InitiatorToResponder[:]); err != nil {
		return keys, err
	}
	if _, err := io.ReadFull(reader, keys.ResponderToInitiator[:]); err != nil {
		return keys, err
	}
	if _, err := io.ReadFull(reader, keys.SessionID[:]); err != nil {
		return keys, err
	}
	return keys, nil
}
