package abac

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/storage"
)

var (
	bucketPolicies   = []byte("abac_policies")
	bucketAttributes = []byte("abac_attributes")
)

// OpenRepositories opens (creating if necessary) the bbolt database
// backing both PolicyRepository and AttributeRepository for a node.
func OpenRepositories(dataDir string) (PolicyRepository, AttributeRepository, error) {
	db, err := storage.Open(dataDir, "abac", bucketPolicies, bucketAttributes)
	if err != nil {
		return nil, nil, err
	}
	return &boltPolicyRepository{db: db}, &boltAttributeRepository{db: db}, nil
}

type boltPolicyRepository struct{ db *storage.DB }

func policyKeyBytes(key PolicyKey) []byte {
	return []byte(key.Resource + "\x00" + key.Action)
}

func (r *boltPolicyRepository) StorePolicy(_ context.Context, key PolicyKey, expr Expr) error {
	data, err := MarshalExpr(expr)
	if err != nil {
		return err
	}
	return r.db.Put(bucketPolicies, policyKeyBytes(key), data)
}

func (r *boltPolicyRepository) GetPolicy(_ context.Context, key PolicyKey) (Expr, error) {
	data, ok, err := r.db.Get(bucketPolicies, policyKeyBytes(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferrors.ErrNotFound
	}
	return UnmarshalExpr(data)
}

func (r *boltPolicyRepository) DeletePolicy(_ context.Context, key PolicyKey) error {
	return r.db.Delete(bucketPolicies, policyKeyBytes(key))
}

type attributeEntry struct {
	Attrs     map[string]string `json:"attrs"`
	ExpiresAt time.Time         `json:"expires_at"`
}

type boltAttributeRepository struct{ db *storage.DB }

func (r *boltAttributeRepository) PutAttributes(_ context.Context, subject string, attrs map[string]string, expiresAt time.Time) error {
	data, err := json.Marshal(attributeEntry{Attrs: attrs, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}
	return r.db.Put(bucketAttributes, []byte(subject), data)
}

func (r *boltAttributeRepository) GetAttributes(_ context.Context, subject string) (map[string]string, error) {
	data, ok, err := r.db.Get(bucketAttributes, []byte(subject))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferrors.ErrNotFound
	}
	var entry attributeEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		_ = r.db.Delete(bucketAttributes, []byte(subject))
		return nil, ferrors.ErrNotFound
	}
	return entry.Attrs, nil
}

func (r *boltAttributeRepository) DeleteAttributes(_ context.Context, subject string) error {
	return r.db.Delete(bucketAttributes, []byte(subject))
}
