package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout: a lookup record per nonce plus a time-ordered index entry so
// Recent and Prune scan by observation time without touching unrelated keys.
const (
	noncePrefix    = "nonce:"
	observedPrefix = "observed:"
)

// LevelDBStore persists nonce usage in a local LevelDB database.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the nonce database at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// Close releases the underlying database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

// Ensure records the nonce and reports whether it was already present.
func (s *LevelDBStore) Ensure(_ context.Context, record NonceRecord) (bool, error) {
	composite := compositeKey(record.APIKey, record.Timestamp, record.Nonce)
	lookup := []byte(noncePrefix + composite)
	exists, err := s.db.Has(lookup, nil)
	if err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	if exists {
		return true, nil
	}
	observedAt := record.ObservedAt.UTC()
	batch := new(leveldb.Batch)
	batch.Put(lookup, []byte(strconv.FormatInt(observedAt.Unix(), 10)))
	batch.Put(observedKey(observedAt, composite), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("store nonce: %w", err)
	}
	return false, nil
}

// Recent returns records observed at or after cutoff, oldest first.
func (s *LevelDBStore) Recent(_ context.Context, cutoff time.Time) ([]NonceRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(observedPrefix)), nil)
	defer iter.Release()

	var records []NonceRecord
	for ok := iter.Seek(observedKey(cutoff.UTC(), "")); ok; ok = iter.Next() {
		rec, err := parseObservedKey(iter.Key())
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan nonces: %w", err)
	}
	return records, nil
}

// Prune deletes records observed before cutoff.
func (s *LevelDBStore) Prune(_ context.Context, cutoff time.Time) error {
	limit := observedKey(cutoff.UTC(), "")
	iter := s.db.NewIterator(&util.Range{Start: []byte(observedPrefix), Limit: limit}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		rec, err := parseObservedKey(iter.Key())
		if err != nil {
			return err
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(noncePrefix + compositeKey(rec.APIKey, rec.Timestamp, rec.Nonce)))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

// observedKey zero-pads the unix timestamp so lexicographic order matches
// chronological order.
func observedKey(at time.Time, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", observedPrefix, at.Unix(), composite))
}

func parseObservedKey(key []byte) (NonceRecord, error) {
	raw := strings.TrimPrefix(string(key), observedPrefix)
	tsPart, composite, ok := strings.Cut(raw, ":")
	if !ok {
		return NonceRecord{}, fmt.Errorf("malformed nonce index key %q", key)
	}
	secs, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return NonceRecord{}, fmt.Errorf("malformed nonce index timestamp %q: %w", tsPart, err)
	}
	parts := strings.SplitN(composite, "|", 3)
	if len(parts) != 3 {
		return NonceRecord{}, fmt.Errorf("malformed nonce composite %q", composite)
	}
	return NonceRecord{
		APIKey:     parts[0],
		Timestamp:  parts[1],
		Nonce:      parts[2],
		ObservedAt: time.Unix(secs, 0).UTC(),
	}, nil
}
