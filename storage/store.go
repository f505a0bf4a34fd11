// Package storage owns the persistence layer of the placement engine: the
// gorm schema, database bootstrap, and the transaction wrapper that retries
// serialization conflicts before they surface to callers.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"uptree/fault"
	"uptree/observability/metrics"
)

const (
	txAttempts     = 5
	txInitialDelay = 25 * time.Millisecond
	txMaxDelay     = 400 * time.Millisecond
)

// Store wraps the database handle shared by the engine components.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database. Postgres DSNs are recognised by
// scheme; anything else is treated as a sqlite path, which keeps development
// and test setups self-contained.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing gorm handle, used by tests.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read paths that manage their own
// scoping.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate applies the schema.
func (s *Store) Migrate() error {
	return AutoMigrate(s.db)
}

// Transact runs fn inside a database transaction, retrying serialization and
// lock conflicts with doubling backoff. All engine mutations for one logical
// event go through a single Transact call.
func (s *Store) Transact(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	var lastErr error
	delay := txInitialDelay
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return err
		}
		lastErr = err
		metrics.Engine().ObserveTxRetry(op)
		if attempt == txAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > txMaxDelay {
			delay = txMaxDelay
		}
	}
	return &fault.ConflictError{Op: op, Attempts: txAttempts, Err: lastErr}
}

// isConflict classifies driver errors that indicate a concurrent-modification
// conflict worth retrying: sqlite busy states, postgres serialization or
// deadlock failures, and unique-index races. Unique races are retryable
// because every engine writer re-checks state inside the transaction, so the
// retry resolves to the already-applied outcome instead of a duplicate.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "could not serialize access"),
		strings.Contains(msg, "deadlock detected"),
		strings.Contains(msg, "sqlstate 40001"),
		strings.Contains(msg, "sqlstate 40p01"),
		strings.Contains(msg, "unique constraint failed"),
		strings.Contains(msg, "duplicate key value"),
		strings.Contains(msg, "sqlstate 23505"):
		return true
	}
	return false
}
