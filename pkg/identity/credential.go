package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/metrics"
)

// DefaultCredentialValidity is short-lived enough to force periodic
// reissuance, long enough to survive a reconnect.
const DefaultCredentialValidity = 60 * time.Minute

// Credential binds a signed attribute set to a subject Identifier.
// It is presented after a secure-channel handshake (credential
// presentation modes None/Oneway/Mutual) and verified against the
// issuer's public key before its attributes are admitted into the
// verifier's AttributeRepository.
type Credential struct {
	Subject    Identifier
	Issuer     Identifier
	Attributes map[string]string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Signature  []byte
}

// Expired reports whether the credential's validity window has passed now.
func (c *Credential) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func (c *Credential) signingPayload() []byte {
	var buf []byte
	buf = append(buf, c.Subject[:]...)
	buf = append(buf, c.Issuer[:]...)

	keys := make([]string, 0, len(c.Attributes))
	for k := range c.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf = append(buf, byte(len(k)))
		buf = append(buf, k...)
		v := c.Attributes[k]
		buf = append(buf, byte(len(v)))
		buf = append(buf, v...)
	}

	var ts [16]byte
	binary.BigEndian.PutUint64(ts[0:8], uint64(c.IssuedAt.Unix()))
	binary.BigEndian.PutUint64(ts[8:16], uint64(c.ExpiresAt.Unix()))
	buf = append(buf, ts[:]...)
	return buf
}

// CredentialIssuer issues and verifies credentials on behalf of a
// long-term identity acting as a trusted authority.
type CredentialIssuer struct {
	authority *KeyPair
	validity  time.Duration
}

// NewCredentialIssuer returns an issuer signing with authority's key.
func NewCredentialIssuer(authority *KeyPair, validity time.Duration) *CredentialIssuer {
	if validity <= 0 {
		validity = DefaultCredentialValidity
	}
	return &CredentialIssuer{authority: authority, validity: validity}
}

// Issue mints a signed credential for subject with the given attributes.
func (ci *CredentialIssuer) Issue(subject Identifier, attrs map[string]string) (*Credential, error) {
	now := time.Now()
	cred := &Credential{
		Subject:    subject,
		Issuer:     ci.authority.ID,
		Attributes: attrs,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ci.validity),
	}
	cred.Signature = ci.authority.Sign(cred.signingPayload())
	metrics.CredentialVerificationsTotal.WithLabelValues("issued").Inc()
	return cred, nil
}

// VerifyCredential checks cred's signature against issuerPub and that
// it has not expired. authorities, when non-empty, restricts which
// issuer identifiers are trusted.
func VerifyCredential(cred *Credential, issuerPub ed25519.PublicKey, authorities map[Identifier]bool, now time.Time) error {
	outcome := "invalid"
	defer func() {
		metrics.CredentialVerificationsTotal.WithLabelValues(outcome).Inc()
	}()

	if len(authorities) > 0 && !authorities[cred.Issuer] {
		return fmt.Errorf("identity: issuer %s not in authorities set: %w", cred.Issuer, ferrors.ErrCredentialInvalid)
	}
	if !ed25519.Verify(issuerPub, cred.signingPayload(), cred.Signature) {
		return fmt.Errorf("identity: signature verification failed: %w", ferrors.ErrCredentialInvalid)
	}
	if cred.Expired(now) {
		return fmt.Errorf("identity: credential expired at %s: %w", cred.ExpiresAt, ferrors.ErrCredentialInvalid)
	}
	outcome = "valid"
	return nil
}

// PresentationMode is the credential exchange performed after a
// secure-channel handshake completes.
type PresentationMode int

const (
	// PresentationNone skips credential exchange entirely.
	PresentationNone PresentationMode = iota
	// PresentationOneway has the initiator present a credential that
	// the responder verifies and stores attributes for.
	PresentationOneway
	// PresentationMutual has both sides present and verify.
	PresentationMutual
)

func (p PresentationMode) String() string {
	switch p {
	case PresentationNone:
		return "none"
	case PresentationOneway:
		return "oneway"
	case PresentationMutual:
		return "mutual"
	default:
		return "unknown"
	}
}
