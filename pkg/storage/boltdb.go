package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// DB is a thin bbolt wrapper shared by the abac and identity repositories.
// It knows nothing about policies, credentials, or tokens — callers own
// their own bucket names and JSON encoding, DB only owns the transaction
// and bucket-creation boilerplate.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at dataDir/<name>.db
// and ensures every bucket in buckets exists.
func Open(dataDir, name string, buckets ...[]byte) (*DB, error) {
	path := filepath.Join(dataDir, name+".db")

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Close closes the underlying database file.
func (d *DB) Close() error {
	return d.db.Close()
}

// Put upserts value under key in bucket.
func (d *DB) Put(bucket, key, value []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
}

// Get returns the value stored under key, or ok=false if absent. The
// returned slice is a copy and safe to retain past the transaction.
func (d *DB) Get(bucket, key []byte) (value []byte, ok bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return nil
		}
		ok = true
		value = append([]byte(nil), v...)
		return nil
	})
	return value, ok, err
}

// Delete removes key from bucket. Deleting an absent key is not an error.
func (d *DB) Delete(bucket, key []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// ForEach streams every key/value pair in bucket to fn in key order.
func (d *DB) ForEach(bucket []byte, fn func(k, v []byte) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(fn)
	})
}

// Update runs fn inside a single read-write transaction scoped to bucket,
// for callers that need a check-then-act sequence (enrollment token
// redemption, for instance) to be atomic.
func (d *DB) Update(bucket []byte, fn func(b *bolt.Bucket) error) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(bucket))
	})
}
