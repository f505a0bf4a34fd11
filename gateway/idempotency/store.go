// Package idempotency caches gateway responses by caller-supplied key so a
// retried mutation returns the original outcome instead of re-executing.
package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketResponses = []byte("responses")

// DefaultTTL bounds how long a cached response stays replayable.
const DefaultTTL = 24 * time.Hour

// Record is one cached response.
type Record struct {
	StatusCode int       `json:"statusCode"`
	Body       []byte    `json:"body"`
	StoredAt   time.Time `json:"storedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store persists records in a local bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare idempotency store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key scopes an idempotency key to the caller so two partners reusing the
// same key never collide.
func Key(apiKey, idempotencyKey string) string {
	return apiKey + "|" + idempotencyKey
}

// Get returns the record stored under key, deleting it lazily when expired.
func (s *Store) Get(key string, now time.Time) (*Record, error) {
	if key == "" {
		return nil, errors.New("idempotency key must not be empty")
	}
	var found *Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			// Unreadable entries are dropped rather than wedging the key.
			return bucket.Delete([]byte(key))
		}
		if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
			return bucket.Delete([]byte(key))
		}
		found = &rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read idempotency record: %w", err)
	}
	return found, nil
}

// Put stores the response under key with the given lifetime.
func (s *Store) Put(key string, rec Record, ttl time.Duration) error {
	if key == "" {
		return errors.New("idempotency key must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rec.ExpiresAt = rec.StoredAt.Add(ttl)
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).Put([]byte(key), raw)
	}); err != nil {
		return fmt.Errorf("write idempotency record: %w", err)
	}
	return nil
}
