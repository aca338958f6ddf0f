package identity

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"
)

// IssueRequest is the body POSTed to an issuer endpoint: the subject
// identifier (hex) and the attributes the credential should carry.
// Which attributes a given subject may be granted is the caller's
// policy decision; the handler only signs what it is asked to.
type IssueRequest struct {
	Subject    string            `json:"subject"`
	Attributes map[string]string `json:"attributes"`
}

// IssueResponse mirrors Credential with identifiers and signature in
// their hex wire form.
type IssueResponse struct {
	Subject    string            `json:"subject"`
	Issuer     string            `json:"issuer"`
	Attributes map[string]string `json:"attributes"`
	IssuedAt   time.Time         `json:"issued_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Signature  string            `json:"signature"`
}

// IssuerHandler serves credential issuance over HTTP: POST / with an
// IssueRequest body returns the signed credential as JSON. It is the
// thin outer surface in front of CredentialIssuer.Issue for callers
// that have already authenticated the requester (typically behind a
// secure channel or a trusted local socket).
func IssuerHandler(issuer *CredentialIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req IssueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		subject, err := ParseIdentifier(req.Subject)
		if err != nil {
			http.Error(w, "malformed subject identifier", http.StatusBadRequest)
			return
		}

		cred, err := issuer.Issue(subject, req.Attributes)
		if err != nil {
			http.Error(w, "issuance failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(IssueResponse{
			Subject:    cred.Subject.String(),
			Issuer:     cred.Issuer.String(),
			Attributes: cred.Attributes,
			IssuedAt:   cred.IssuedAt,
			ExpiresAt:  cred.ExpiresAt,
			Signature:  hex.EncodeToString(cred.Signature),
		})
	}
}

// ParseIssueResponse converts a served IssueResponse back into a
// verifiable Credential.
func ParseIssueResponse(resp IssueResponse) (*Credential, error) {
	subject, err := ParseIdentifier(resp.Subject)
	if err != nil {
		return nil, err
	}
	issuer, err := ParseIdentifier(resp.Issuer)
	if err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(resp.Signature)
	if err != nil {
		return nil, err
	}
	return &Credential{
		Subject:    subject,
		Issuer:     issuer,
		Attributes: resp.Attributes,
		IssuedAt:   resp.IssuedAt,
		ExpiresAt:  resp.ExpiresAt,
		Signature:  sig,
	}, nil
}
