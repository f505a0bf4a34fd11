package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"uptree/fault"
	"uptree/observability/metrics"
	"uptree/storage"
)

// Delivery headers. Consumers verify the signature against the raw body and
// dedupe on the delivery id.
const (
	HeaderEvent     = "X-Uptree-Event"
	HeaderSignature = "X-Uptree-Signature"
	HeaderDelivery  = "X-Uptree-Delivery"
)

const (
	defaultMaxAttempts  = 5
	defaultMinBackoff   = 2 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
)

// Dispatcher drains pending outbox rows to the configured webhook endpoint.
// Attempt counts and next-attempt schedules live on the rows themselves, so
// retry state survives restarts and a delivery is never lost to a crash
// between commit and send.
type Dispatcher struct {
	store       *storage.Store
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	interval    time.Duration
	batch       int
	log         *slog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the attempt budget and backoff window.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithPollInterval overrides how often the dispatcher scans for due rows.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithBatchSize caps how many rows one poll claims.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batch = n
		}
	}
}

// WithLogger overrides the dispatcher logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithClock overrides the time source, used by tests to pin schedules.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher validates the delivery target and builds a stopped
// dispatcher. Call Start to begin polling, or RunOnce to drain on demand.
func NewDispatcher(store *storage.Store, endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("outbox: store required")
	}
	endpoint = string(bytes.TrimSpace([]byte(endpoint)))
	if endpoint == "" {
		return nil, errors.New("outbox: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("outbox: secret required")
	}
	dispatcher := &Dispatcher{
		store:       store,
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		interval:    defaultPollInterval,
		batch:       defaultBatchSize,
		log:         slog.Default(),
		now:         time.Now,
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	return dispatcher, nil
}

// Start spawns the polling worker. Safe to call once.
func (d *Dispatcher) Start() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.worker()
}

// Close stops the worker and waits for the inflight poll to complete.
func (d *Dispatcher) Close() {
	if d == nil || d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Wake nudges the worker to poll immediately, typically right after an
// engine transaction commits new rows. Never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("outbox poll failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-d.wake:
		case <-d.ctx.Done():
			return
		}
	}
}

// RunOnce claims one batch of due rows and attempts each delivery. Failures
// reschedule or abandon the individual row; the batch keeps going. Returns
// the number of rows attempted.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	due, err := Due(d.store.DB().WithContext(ctx), d.now(), d.batch)
	if err != nil {
		return 0, err
	}
	for i := range due {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		d.deliver(ctx, &due[i])
	}

	var pending int64
	if err := d.store.DB().WithContext(ctx).
		Model(&storage.OutboxMessage{}).
		Where("status = ?", storage.OutboxPending).
		Count(&pending).Error; err == nil {
		metrics.Outbox().SetPending(int(pending))
	}
	return len(due), nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg *storage.OutboxMessage) {
	started := time.Now()
	sendErr := d.send(ctx, msg)
	took := time.Since(started)

	if sendErr == nil {
		now := d.now().UTC()
		if err := d.mark(ctx, msg.ID, map[string]any{
			"status":       storage.OutboxDelivered,
			"attempts":     msg.Attempts + 1,
			"last_error":   "",
			"delivered_at": &now,
		}); err != nil {
			d.log.Error("outbox mark delivered failed", "error", err, "delivery", msg.ID)
			return
		}
		metrics.Outbox().ObserveDelivery(msg.Topic, "delivered", took)
		d.log.Debug("outbox delivered", "topic", msg.Topic, "delivery", msg.ID, "attempts", msg.Attempts+1)
		return
	}

	attempts := msg.Attempts + 1
	if attempts >= d.maxAttempts {
		if err := d.mark(ctx, msg.ID, map[string]any{
			"status":     storage.OutboxAbandoned,
			"attempts":   attempts,
			"last_error": truncateError(sendErr),
		}); err != nil {
			d.log.Error("outbox mark abandoned failed", "error", err, "delivery", msg.ID)
			return
		}
		metrics.Outbox().ObserveDelivery(msg.Topic, "failed", took)
		metrics.Outbox().ObserveAbandoned(msg.Topic)
		d.log.Error("outbox delivery abandoned", "error", sendErr, "topic", msg.Topic, "delivery", msg.ID, "attempts", attempts)
		return
	}

	next := d.now().UTC().Add(d.backoffFor(attempts))
	if err := d.mark(ctx, msg.ID, map[string]any{
		"attempts":        attempts,
		"next_attempt_at": next,
		"last_error":      truncateError(sendErr),
	}); err != nil {
		d.log.Error("outbox reschedule failed", "error", err, "delivery", msg.ID)
		return
	}
	metrics.Outbox().ObserveDelivery(msg.Topic, "retry", took)
	d.log.Warn("outbox delivery retry scheduled", "error", sendErr, "topic", msg.Topic, "delivery", msg.ID, "attempts", attempts, "nextAttemptAt", next)
}

// mark updates one row, guarded on pending status so an operator requeue or
// a competing dispatcher never clobbers a settled row.
func (d *Dispatcher) mark(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	return d.store.Transact(ctx, "outbox.mark", func(tx *gorm.DB) error {
		return tx.Model(&storage.OutboxMessage{}).
			Where("id = ? AND status = ?", id, storage.OutboxPending).
			Updates(fields).Error
	})
}

func (d *Dispatcher) send(ctx context.Context, msg *storage.OutboxMessage) error {
	body := []byte(msg.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, msg.Topic)
	req.Header.Set(HeaderDelivery, msg.ID.String())
	req.Header.Set(HeaderSignature, Sign(d.secret, body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("outbox: delivery failed with status %d", resp.StatusCode)
}

// backoffFor returns the delay before the given retry number, doubling from
// the floor and capping at the ceiling: 2s, 4s, 8s, 16s, 30s by default.
func (d *Dispatcher) backoffFor(attempts int) time.Duration {
	delay := d.minBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	if delay > d.maxBackoff {
		return d.maxBackoff
	}
	return delay
}

// Sign computes the webhook signature for a raw body: "sha256=" followed by
// the hex HMAC-SHA256 of the body under the shared secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the raw body in
// constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Requeue returns an abandoned message to the pending queue with a fresh
// attempt budget. Delivered messages stay settled.
func Requeue(tx *gorm.DB, id uuid.UUID, now time.Time) (*storage.OutboxMessage, error) {
	var msg storage.OutboxMessage
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.NotFound("outbox message", id.String())
	}
	if err != nil {
		return nil, err
	}
	if msg.Status == storage.OutboxDelivered {
		return nil, fault.Validationf("id", "message %s already delivered", id)
	}
	msg.Status = storage.OutboxPending
	msg.Attempts = 0
	msg.NextAttemptAt = now.UTC()
	msg.LastError = ""
	msg.DeliveredAt = nil
	if err := tx.Save(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// RequeueAbandoned requeues the given messages, or every abandoned message
// when ids is empty. It reports how many rows were returned to the queue.
func RequeueAbandoned(tx *gorm.DB, ids []uuid.UUID, now time.Time) (int, error) {
	if len(ids) == 0 {
		var rows []storage.OutboxMessage
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ?", storage.OutboxAbandoned).
			Order("created_at asc").
			Find(&rows).Error; err != nil {
			return 0, fmt.Errorf("load abandoned messages: %w", err)
		}
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
	}
	requeued := 0
	for _, id := range ids {
		if _, err := Requeue(tx, id, now); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

func truncateError(err error) string {
	s := err.Error()
	if len(s) > 512 {
		return s[:512]
	}
	return s
}
