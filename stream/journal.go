package stream

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the pure-Go "sqlite" driver. The same driver backs the gorm
	// store, so only one registration happens per process.
	_ "github.com/glebarez/go-sqlite"
)

// Journal persists stream entries so cursors survive restarts and reach
// further back than the hub's in-memory window.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("stream: journal path required")
	}
	dsn := trimmed
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("stream: open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stream: ping journal: %w", err)
	}
	journal := &Journal{db: db}
	if err := journal.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return journal, nil
}

func (j *Journal) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY,
			type TEXT NOT NULL,
			attributes TEXT NOT NULL,
			emitted_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
			consumer TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("stream: migrate journal: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append stores one entry. Sequence numbers are assigned by the hub and must
// be strictly increasing.
func (j *Journal) Append(entry Entry) error {
	attrs, err := json.Marshal(entry.Attributes)
	if err != nil {
		return fmt.Errorf("stream: encode attributes: %w", err)
	}
	_, err = j.db.Exec(
		`INSERT INTO events (seq, type, attributes, emitted_at) VALUES (?, ?, ?, ?)`,
		entry.Sequence, entry.Type, string(attrs), entry.EmittedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("stream: append: %w", err)
	}
	return nil
}

// ReadSince returns up to limit entries with sequence numbers greater than
// since, oldest first.
func (j *Journal) ReadSince(since uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := j.db.Query(
		`SELECT seq, type, attributes, emitted_at FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("stream: read since %d: %w", since, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry   Entry
			attrs   string
			emitted int64
		)
		if err := rows.Scan(&entry.Sequence, &entry.Type, &attrs, &emitted); err != nil {
			return nil, fmt.Errorf("stream: scan entry: %w", err)
		}
		if attrs != "" && attrs != "null" {
			if err := json.Unmarshal([]byte(attrs), &entry.Attributes); err != nil {
				return nil, fmt.Errorf("stream: decode attributes for seq %d: %w", entry.Sequence, err)
			}
		}
		entry.Cursor = fmt.Sprintf("%d", entry.Sequence)
		entry.EmittedAt = time.UnixMilli(emitted).UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stream: read since %d: %w", since, err)
	}
	return out, nil
}

// LastSequence returns the highest stored sequence number, zero when empty.
func (j *Journal) LastSequence() (uint64, error) {
	var last uint64
	err := j.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("stream: last sequence: %w", err)
	}
	return last, nil
}

// SaveCursor records the consumer's acknowledged sequence number.
func (j *Journal) SaveCursor(consumer string, seq uint64) error {
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return fmt.Errorf("stream: consumer name required")
	}
	_, err := j.db.Exec(
		`INSERT INTO event_cursors (consumer, seq, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(consumer) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`,
		consumer, seq, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("stream: save cursor: %w", err)
	}
	return nil
}

// Cursor returns the consumer's acknowledged sequence number, zero when the
// consumer is unknown.
func (j *Journal) Cursor(consumer string) (uint64, error) {
	var seq uint64
	err := j.db.QueryRow(`SELECT seq FROM event_cursors WHERE consumer = ?`, strings.TrimSpace(consumer)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stream: load cursor: %w", err)
	}
	return seq, nil
}
