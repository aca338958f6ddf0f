package identity

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/meridian/pkg/ferrors"
)

// InMemoryIdentitiesRepository is a map-backed IdentitiesRepository
// for tests; it stores key material unsealed since tests don't care
// about at-rest encryption.
type InMemoryIdentitiesRepository struct {
	mu   sync.RWMutex
	byID map[Identifier]*KeyPair
}

func NewInMemoryIdentitiesRepository() *InMemoryIdentitiesRepository {
	return &InMemoryIdentitiesRepository{byID: make(map[Identifier]*KeyPair)}
}

func (r *InMemoryIdentitiesRepository) PutIdentity(_ context.Context, kp *KeyPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[kp.ID] = kp
	return nil
}

func (r *InMemoryIdentitiesRepository) GetIdentity(_ context.Context, id Identifier) (*KeyPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kp, ok := r.byID[id]
	if !ok {
		return nil, ferrors.ErrNotFound
	}
	return kp, nil
}

func (r *InMemoryIdentitiesRepository) DeleteIdentity(_ context.Context, id Identifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}

// InMemoryTokenRepository is a map-backed EnrollmentTokenRepository
// for tests, preserving UseToken's atomic-consume contract under a mutex.
type InMemoryTokenRepository struct {
	mu     sync.Mutex
	tokens map[string]tokenEntry
}

func NewInMemoryTokenRepository() *InMemoryTokenRepository {
	return &InMemoryTokenRepository{tokens: make(map[string]tokenEntry)}
}

func (r *InMemoryTokenRepository) StoreToken(_ context.Context, token EnrollmentToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token.Code] = tokenEntry{Attrs: token.Attrs, ExpiresAt: token.ExpiresAt}
	return nil
}

func (r *InMemoryTokenRepository) UseToken(_ context.Context, code string, now time.Time) (*EnrollmentToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tokens[code]
	if !ok || entry.Used || now.After(entry.ExpiresAt) {
		return nil, ferrors.ErrNotFound
	}
	entry.Used = true
	r.tokens[code] = entry
	return &EnrollmentToken{Code: code, Attrs: entry.Attrs, ExpiresAt: entry.ExpiresAt}, nil
}
