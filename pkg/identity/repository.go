package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/storage"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketIdentities = []byte("identities")
	bucketTokens     = []byte("enrollment_tokens")
)

// IdentitiesRepository stores the private key material backing a
// node's long-term identities, sealed at rest with a SecretBox.
type IdentitiesRepository interface {
	PutIdentity(ctx context.Context, kp *KeyPair) error
	GetIdentity(ctx context.Context, id Identifier) (*KeyPair, error) // ferrors.ErrNotFound if absent
	DeleteIdentity(ctx context.Context, id Identifier) error
}

// EnrollmentToken is a one-time code that admits a new identity into
// the fabric (registering its attributes) when redeemed before expiry.
type EnrollmentToken struct {
	Code      string
	Attrs     map[string]string
	ExpiresAt time.Time
}

// EnrollmentTokenRepository stores one-time enrollment tokens.
// UseToken must be atomic: a token is consumed at most once.
type EnrollmentTokenRepository interface {
	StoreToken(ctx context.Context, token EnrollmentToken) error
	UseToken(ctx context.Context, code string, now time.Time) (*EnrollmentToken, error) // ferrors.ErrNotFound if absent/expired/already used
}

// OpenRepositories opens (creating if necessary) the bbolt database
// backing both IdentitiesRepository and EnrollmentTokenRepository,
// sealing identity key material with box.
func OpenRepositories(dataDir string, box *SecretBox) (IdentitiesRepository, EnrollmentTokenRepository, error) {
	db, err := storage.Open(dataDir, "identity", bucketIdentities, bucketTokens)
	if err != nil {
		return nil, nil, err
	}
	return &boltIdentitiesRepository{db: db, box: box}, &boltTokenRepository{db: db}, nil
}

type boltIdentitiesRepository struct {
	db  *storage.DB
	box *SecretBox
}

func (r *boltIdentitiesRepository) PutIdentity(_ context.Context, kp *KeyPair) error {
	sealed, err := r.box.Seal(kp.PrivateKey)
	if err != nil {
		return err
	}
	return r.db.Put(bucketIdentities, kp.ID[:], sealed)
}

func (r *boltIdentitiesRepository) GetIdentity(_ context.Context, id Identifier) (*KeyPair, error) {
	sealed, ok, err := r.db.Get(bucketIdentities, id[:])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferrors.ErrNotFound
	}
	raw, err := r.box.Open(sealed)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(ed25519.PrivateKey(raw)), nil
}

func (r *boltIdentitiesRepository) DeleteIdentity(_ context.Context, id Identifier) error {
	return r.db.Delete(bucketIdentities, id[:])
}

type tokenEntry struct {
	Attrs     map[string]string `json:"attrs"`
	ExpiresAt time.Time         `json:"expires_at"`
	Used      bool              `json:"used"`
}

type boltTokenRepository struct{ db *storage.DB }

func (r *boltTokenRepository) StoreToken(_ context.Context, token EnrollmentToken) error {
	data, err := json.Marshal(tokenEntry{Attrs: token.Attrs, ExpiresAt: token.ExpiresAt})
	if err != nil {
		return err
	}
	return r.db.Put(bucketTokens, []byte(token.Code), data)
}

func (r *boltTokenRepository) UseToken(_ context.Context, code string, now time.Time) (*EnrollmentToken, error) {
	var result *EnrollmentToken
	err := r.db.Update(bucketTokens, func(b *bolt.Bucket) error {
		data := b.Get([]byte(code))
		if data == nil {
			return ferrors.ErrNotFound
		}
		var entry tokenEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		if entry.Used || now.After(entry.ExpiresAt) {
			return ferrors.ErrNotFound
		}
		entry.Used = true
		sealed, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(code), sealed); err != nil {
			return err
		}
		result = &EnrollmentToken{Code: code, Attrs: entry.Attrs, ExpiresAt: entry.ExpiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
