// Package outbox implements transactional outbound messaging: rows written
// in the same transaction as the state change they report, delivered
// at-least-once by the dispatcher with per-message retry backoff.
package outbox

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"uptree/storage"
)

// Enqueue persists one pending message inside the caller's transaction. The
// idempotency key dedupes logical messages: re-enqueueing a known key
// returns the stored row untouched.
func Enqueue(tx *gorm.DB, topic string, payload any, idempotencyKey string, now time.Time) (*storage.OutboxMessage, error) {
	if topic == "" {
		return nil, errors.New("outbox: topic required")
	}
	if idempotencyKey == "" {
		return nil, errors.New("outbox: idempotency key required")
	}
	var existing storage.OutboxMessage
	err := tx.Where("idempotency_key = ?", idempotencyKey).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: encode payload: %w", err)
	}
	digest := blake3.Sum256(body)
	msg := &storage.OutboxMessage{
		ID:             uuid.New(),
		Topic:          topic,
		Payload:        string(body),
		Fingerprint:    hex.EncodeToString(digest[:]),
		IdempotencyKey: idempotencyKey,
		Status:         storage.OutboxPending,
		NextAttemptAt:  now.UTC(),
		CreatedAt:      now.UTC(),
	}
	if err := tx.Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

// Due lists pending messages whose next attempt is at or before now, oldest
// first.
func Due(tx *gorm.DB, now time.Time, limit int) ([]storage.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []storage.OutboxMessage
	err := tx.Where("status = ? AND next_attempt_at <= ?", storage.OutboxPending, now.UTC()).
		Order("next_attempt_at asc, created_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
