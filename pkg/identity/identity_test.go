package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierStableAcrossReload(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	reloaded := FromPrivateKey(kp.PrivateKey)
	assert.Equal(t, kp.ID, reloaded.ID)
}

func TestCredentialIssueAndVerify(t *testing.T) {
	authority, err := Generate()
	require.NoError(t, err)
	subject, err := Generate()
	require.NoError(t, err)

	issuer := NewCredentialIssuer(authority, time.Hour)
	cred, err := issuer.Issue(subject.ID, map[string]string{"role": "operator"})
	require.NoError(t, err)

	err = VerifyCredential(cred, authority.PublicKey, nil, time.Now())
	assert.NoError(t, err)
}

func TestCredentialVerifyRejectsUntrustedAuthority(t *testing.T) {
	authority, err := Generate()
	require.NoError(t, err)
	otherAuthority, err := Generate()
	require.NoError(t, err)
	subject, err := Generate()
	require.NoError(t, err)

	issuer := NewCredentialIssuer(authority, time.Hour)
	cred, err := issuer.Issue(subject.ID, map[string]string{"role": "operator"})
	require.NoError(t, err)

	err = VerifyCredential(cred, authority.PublicKey, map[Identifier]bool{otherAuthority.ID: true}, time.Now())
	assert.ErrorIs(t, err, ferrors.ErrCredentialInvalid)
}

func TestCredentialVerifyRejectsExpired(t *testing.T) {
	authority, err := Generate()
	require.NoError(t, err)
	subject, err := Generate()
	require.NoError(t, err)

	issuer := NewCredentialIssuer(authority, time.Millisecond)
	cred, err := issuer.Issue(subject.ID, nil)
	require.NoError(t, err)

	err = VerifyCredential(cred, authority.PublicKey, nil, time.Now().Add(time.Second))
	assert.ErrorIs(t, err, ferrors.ErrCredentialInvalid)
}

func TestTrustPolicies(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	assert.True(t, TrustEveryone.IsTrusted(a.ID))

	restricted := TrustMultiIdentifiers(a.ID)
	assert.True(t, restricted.IsTrusted(a.ID))
	assert.False(t, restricted.IsTrusted(b.ID))
}

func TestSecretBoxRoundTrip(t *testing.T) {
	box, err := NewSecretBoxFromPassphrase("hunter2")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("super secret key material"))
	require.NoError(t, err)

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "super secret key material", string(opened))
}

func TestEnrollmentTokenUseOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryTokenRepository()
	require.NoError(t, repo.StoreToken(ctx, EnrollmentToken{
		Code:      "abc123",
		Attrs:     map[string]string{"team": "infra"},
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	tok, err := repo.UseToken(ctx, "abc123", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "infra", tok.Attrs["team"])

	_, err = repo.UseToken(ctx, "abc123", time.Now())
	assert.ErrorIs(t, err, ferrors.ErrNotFound, "a token must not be redeemable twice")
}

func TestEnrollmentTokenExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryTokenRepository()
	require.NoError(t, repo.StoreToken(ctx, EnrollmentToken{
		Code:      "expired",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err := repo.UseToken(ctx, "expired", time.Now())
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
}

func TestIssuerHandlerIssuesVerifiableCredential(t *testing.T) {
	authority, err := Generate()
	require.NoError(t, err)
	subject, err := Generate()
	require.NoError(t, err)

	srv := httptest.NewServer(IssuerHandler(NewCredentialIssuer(authority, time.Hour)))
	defer srv.Close()

	body, err := json.Marshal(IssueRequest{
		Subject:    subject.ID.String(),
		Attributes: map[string]string{"attr": "value"},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc IssueResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))

	cred, err := ParseIssueResponse(doc)
	require.NoError(t, err)
	assert.Equal(t, subject.ID, cred.Subject)
	assert.Equal(t, "value", cred.Attributes["attr"])
	assert.NoError(t, VerifyCredential(cred, authority.PublicKey, nil, time.Now()))
}

func TestIssuerHandlerRejectsMalformedSubject(t *testing.T) {
	authority, err := Generate()
	require.NoError(t, err)

	srv := httptest.NewServer(IssuerHandler(NewCredentialIssuer(authority, time.Hour)))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/", "application/json", bytes.NewReader([]byte(`{"subject":"not-hex"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
