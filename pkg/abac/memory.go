package abac

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/meridian/pkg/ferrors"
)

// InMemoryPolicyRepository is a map-backed PolicyRepository for unit
// tests and single-process demos; it makes the same idempotency and
// not-found guarantees as the bbolt implementation.
type InMemoryPolicyRepository struct {
	mu       sync.RWMutex
	policies map[PolicyKey]Expr
}

// NewInMemoryPolicyRepository returns an empty repository.
func NewInMemoryPolicyRepository() *InMemoryPolicyRepository {
	return &InMemoryPolicyRepository{policies: make(map[PolicyKey]Expr)}
}

func (r *InMemoryPolicyRepository) StorePolicy(_ context.Context, key PolicyKey, expr Expr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[key] = expr
	return nil
}

func (r *InMemoryPolicyRepository) GetPolicy(_ context.Context, key PolicyKey) (Expr, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expr, ok := r.policies[key]
	if !ok {
		return nil, ferrors.ErrNotFound
	}
	return expr, nil
}

func (r *InMemoryPolicyRepository) DeletePolicy(_ context.Context, key PolicyKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.policies, key)
	return nil
}

// InMemoryAttributeRepository is a map-backed AttributeRepository for tests.
type InMemoryAttributeRepository struct {
	mu    sync.RWMutex
	attrs map[string]attributeEntry
}

// NewInMemoryAttributeRepository returns an empty repository.
func NewInMemoryAttributeRepository() *InMemoryAttributeRepository {
	return &InMemoryAttributeRepository{attrs: make(map[string]attributeEntry)}
}

func (r *InMemoryAttributeRepository) PutAttributes(_ context.Context, subject string, attrs map[string]string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attrs[subject] = attributeEntry{Attrs: attrs, ExpiresAt: expiresAt}
	return nil
}

func (r *InMemoryAttributeRepository) GetAttributes(_ context.Context, subject string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.attrs[subject]
	if !ok {
		return nil, ferrors.ErrNotFound
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		delete(r.attrs, subject)
		return nil, ferrors.ErrNotFound
	}
	return entry.Attrs, nil
}

func (r *InMemoryAttributeRepository) DeleteAttributes(_ context.Context, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attrs, subject)
	return nil
}
