package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"uptree/fault"
	"uptree/storage"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := storage.NewStore(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func enqueue(t *testing.T, store *storage.Store, topic, key string, now time.Time) *storage.OutboxMessage {
	t.Helper()
	var msg *storage.OutboxMessage
	err := store.Transact(context.Background(), "test.enqueue", func(tx *gorm.DB) error {
		var err error
		msg, err = Enqueue(tx, topic, map[string]string{"ref": key}, key, now)
		return err
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return msg
}

func fetch(t *testing.T, store *storage.Store, id uuid.UUID) storage.OutboxMessage {
	t.Helper()
	var msg storage.OutboxMessage
	if err := store.DB().First(&msg, "id = ?", id).Error; err != nil {
		t.Fatalf("fetch %s: %v", id, err)
	}
	return msg
}

func TestEnqueueDedupesIdempotencyKey(t *testing.T) {
	store := testStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := enqueue(t, store, "reserve.credited", "act-1:route", now)
	again := enqueue(t, store, "reserve.credited", "act-1:route", now.Add(time.Hour))
	if first.ID != again.ID {
		t.Fatalf("replayed key produced new row %s != %s", first.ID, again.ID)
	}
	if again.Payload != first.Payload {
		t.Fatalf("replayed key mutated payload")
	}

	var count int64
	if err := store.DB().Model(&storage.OutboxMessage{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("rows = %d, want 1", count)
	}
	if first.Fingerprint == "" || first.Status != storage.OutboxPending {
		t.Fatalf("unexpected row %+v", first)
	}
}

func TestEnqueueRequiresTopicAndKey(t *testing.T) {
	store := testStore(t)
	err := store.Transact(context.Background(), "test.enqueue", func(tx *gorm.DB) error {
		_, err := Enqueue(tx, "", nil, "key", time.Now())
		return err
	})
	if err == nil {
		t.Fatalf("blank topic accepted")
	}
	err = store.Transact(context.Background(), "test.enqueue", func(tx *gorm.DB) error {
		_, err := Enqueue(tx, "topic", nil, "", time.Now())
		return err
	})
	if err == nil {
		t.Fatalf("blank idempotency key accepted")
	}
}

func TestDueSkipsFutureAndOrdersOldestFirst(t *testing.T) {
	store := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	second := enqueue(t, store, "a", "second", base.Add(time.Second))
	first := enqueue(t, store, "a", "first", base)
	enqueue(t, store, "a", "future", base.Add(time.Hour))

	due, err := Due(store.DB(), base.Add(2*time.Second), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d rows, want 2", len(due))
	}
	if due[0].ID != first.ID || due[1].ID != second.ID {
		t.Fatalf("due out of order: %s, %s", due[0].IdempotencyKey, due[1].IdempotencyKey)
	}
}

func TestDispatcherDeliversAndSigns(t *testing.T) {
	store := testStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := enqueue(t, store, "placement.created", "act-7", now)

	var gotEvent, gotDelivery, gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotEvent = r.Header.Get(HeaderEvent)
		gotDelivery = r.Header.Get(HeaderDelivery)
		gotSignature = r.Header.Get(HeaderSignature)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	secret := []byte("webhook-secret")
	dispatcher, err := NewDispatcher(store, server.URL, secret, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	n, err := dispatcher.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("run once = %d, %v", n, err)
	}

	if gotEvent != "placement.created" {
		t.Fatalf("event header = %q", gotEvent)
	}
	if gotDelivery != msg.ID.String() {
		t.Fatalf("delivery header = %q, want %s", gotDelivery, msg.ID)
	}
	if !VerifySignature(secret, gotBody, gotSignature) {
		t.Fatalf("signature %q does not verify", gotSignature)
	}
	if string(gotBody) != msg.Payload {
		t.Fatalf("body = %q, want stored payload", gotBody)
	}

	row := fetch(t, store, msg.ID)
	if row.Status != storage.OutboxDelivered || row.Attempts != 1 || row.DeliveredAt == nil {
		t.Fatalf("row after delivery: %+v", row)
	}
}

func TestDispatcherReschedulesOnFailure(t *testing.T) {
	store := testStore(t)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := enqueue(t, store, "cascade.routed", "act-8", current)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(store, server.URL, []byte("s"),
		WithClock(func() time.Time { return current }))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	if n, err := dispatcher.RunOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("run once = %d, %v", n, err)
	}

	row := fetch(t, store, msg.ID)
	if row.Status != storage.OutboxPending || row.Attempts != 1 {
		t.Fatalf("row after failure: %+v", row)
	}
	if !row.NextAttemptAt.Equal(current.Add(2 * time.Second)) {
		t.Fatalf("next attempt = %v, want +2s", row.NextAttemptAt)
	}
	if row.LastError == "" {
		t.Fatalf("last error not recorded")
	}

	// Not due again until the backoff elapses.
	if n, err := dispatcher.RunOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("rescheduled row attempted early: %d, %v", n, err)
	}
}

func TestDispatcherAbandonsThenRequeueRecovers(t *testing.T) {
	store := testStore(t)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := enqueue(t, store, "upgrade.fired", "act-9", current)

	var healthy int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&healthy) == 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(store, server.URL, []byte("s"),
		WithRetryPolicy(2, 10*time.Millisecond, 20*time.Millisecond),
		WithClock(func() time.Time { return current }))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	if _, err := dispatcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	current = current.Add(time.Second)
	if _, err := dispatcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	row := fetch(t, store, msg.ID)
	if row.Status != storage.OutboxAbandoned || row.Attempts != 2 {
		t.Fatalf("row after budget exhausted: %+v", row)
	}

	// Abandoned rows stay parked.
	current = current.Add(time.Hour)
	if n, err := dispatcher.RunOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("abandoned row attempted: %d, %v", n, err)
	}

	atomic.StoreInt32(&healthy, 1)
	err = store.Transact(context.Background(), "test.requeue", func(tx *gorm.DB) error {
		_, err := Requeue(tx, msg.ID, current)
		return err
	})
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n, err := dispatcher.RunOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("requeued run = %d, %v", n, err)
	}
	row = fetch(t, store, msg.ID)
	if row.Status != storage.OutboxDelivered || row.Attempts != 1 {
		t.Fatalf("row after requeue: %+v", row)
	}
}

func TestRequeueRejectsDeliveredAndUnknown(t *testing.T) {
	store := testStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := enqueue(t, store, "a", "done", now)
	err := store.DB().Model(&storage.OutboxMessage{}).
		Where("id = ?", msg.ID).
		Update("status", storage.OutboxDelivered).Error
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	err = store.Transact(context.Background(), "test.requeue", func(tx *gorm.DB) error {
		_, err := Requeue(tx, msg.ID, now)
		return err
	})
	var validation *fault.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("requeue of delivered row: %v", err)
	}

	err = store.Transact(context.Background(), "test.requeue", func(tx *gorm.DB) error {
		_, err := Requeue(tx, uuid.New(), now)
		return err
	})
	var notFound *fault.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("requeue of unknown row: %v", err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	store := testStore(t)
	dispatcher, err := NewDispatcher(store, "http://localhost:0", []byte("s"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		if got := dispatcher.backoffFor(i + 1); got != expected {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, expected)
		}
	}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("secret")
	body := []byte(`{"ref":"act-1"}`)
	sig := Sign(secret, body)
	if sig[:7] != "sha256=" {
		t.Fatalf("signature prefix %q", sig[:7])
	}
	if !VerifySignature(secret, body, sig) {
		t.Fatalf("valid signature rejected")
	}
	if VerifySignature(secret, []byte(`{"ref":"act-2"}`), sig) {
		t.Fatalf("tampered body accepted")
	}
	if VerifySignature([]byte("other"), body, sig) {
		t.Fatalf("wrong secret accepted")
	}
}

func TestWorkerDrainsOnWake(t *testing.T) {
	store := testStore(t)
	delivered := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(store, server.URL, []byte("s"), WithPollInterval(time.Minute))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	dispatcher.Start()
	defer dispatcher.Close()

	enqueue(t, store, "placement.created", "act-10", time.Now().UTC().Add(-time.Second))
	dispatcher.Wake()

	waitFor(func() bool { return atomic.LoadInt32(&delivered) > 0 }, 2*time.Second)
	if atomic.LoadInt32(&delivered) == 0 {
		t.Fatalf("wake did not trigger delivery")
	}
}

func waitFor(cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
