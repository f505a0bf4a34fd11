package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"uptree/directory"
	"uptree/engine"
	"uptree/exports"
	"uptree/gateway/auth"
	"uptree/gateway/idempotency"
	"uptree/identity"
	"uptree/plan"
	"uptree/storage"
	"uptree/stream"
)

type testEnv struct {
	srv   *Server
	eng   *engine.Engine
	store *storage.Store
	hub   *stream.Hub
}

func newTestServer(t *testing.T, mutate func(*Options)) *testEnv {
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
	dir := directory.NewService(store, time.Now)
	anchor, err := dir.Register(context.Background(), "anchor", "anchor", "")
	if err != nil {
		t.Fatalf("register anchor: %v", err)
	}
	hub, err := stream.NewHub(stream.Options{HistoryLimit: 64})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	t.Cleanup(hub.Close)
	eng, err := engine.New(store, dir, engine.Options{
		Anchor:  anchor.Address,
		Emitter: hub,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	idem, err := idempotency.Open(filepath.Join(t.TempDir(), "idem.db"))
	if err != nil {
		t.Fatalf("open idempotency store: %v", err)
	}
	t.Cleanup(func() { idem.Close() })

	opts := Options{
		Engine:      eng,
		Hub:         hub,
		Idempotency: idem,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{srv: srv, eng: eng, store: store, hub: hub}
}

func (env *testEnv) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (env *testEnv) register(t *testing.T, subject, referrer string) string {
	t.Helper()
	payload := fmt.Sprintf(`{"subject":%q,"handle":%q,"referrer":%q}`, subject, subject, referrer)
	rec := env.do(t, http.MethodPost, "/v1/participants", payload, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: expected 201 got %d: %s", subject, rec.Code, rec.Body.String())
	}
	var member memberView
	decodeBody(t, rec, &member)
	if member.Address == "" {
		t.Fatalf("register %s returned no address", subject)
	}
	return member.Address
}

func (env *testEnv) price(t *testing.T, program plan.Program, slot int) string {
	t.Helper()
	price, err := env.eng.Catalog().Price(program, slot)
	if err != nil {
		t.Fatalf("price %s slot %d: %v", program, slot, err)
	}
	return price.String()
}

func TestPlacementLifecycle(t *testing.T) {
	env := newTestServer(t, nil)

	alice := env.register(t, "alice", "")
	bob := env.register(t, "bob", alice)

	body := fmt.Sprintf(`{"participant":%q,"program":"binary","slot":1}`, bob)
	rec := env.do(t, http.MethodPost, "/v1/placements", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var placed placementResponse
	decodeBody(t, rec, &placed)
	if !placed.Created {
		t.Fatal("expected created=true on first placement")
	}
	if placed.Placement.Participant != bob || placed.Placement.Slot != 1 {
		t.Fatalf("unexpected placement: %+v", placed.Placement)
	}
	if !placed.Placement.Active {
		t.Fatal("expected active placement")
	}

	// Same placement again settles on the existing row.
	rec = env.do(t, http.MethodPost, "/v1/placements", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &placed)
	if placed.Created {
		t.Fatal("expected created=false on repeat placement")
	}

	rec = env.do(t, http.MethodGet, "/v1/placements/"+bob, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var list placementsResponse
	decodeBody(t, rec, &list)
	if len(list.Placements) != 1 {
		t.Fatalf("expected 1 placement, got %d", len(list.Placements))
	}

	rec = env.do(t, http.MethodGet, "/v1/progression/"+bob+"?program=binary", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var snapshot progressionView
	decodeBody(t, rec, &snapshot)
	if snapshot.Participant != bob || snapshot.Program != "binary" || snapshot.CurrentSlot != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestActivationFlowAndReplay(t *testing.T) {
	env := newTestServer(t, nil)

	carol := env.register(t, "carol", "")
	amount := env.price(t, plan.ProgramBinary, 1)

	body := fmt.Sprintf(`{"participant":%q,"program":"binary","slot":1,"amount":%q,"txRef":"0xfeed"}`, carol, amount)
	rec := env.do(t, http.MethodPost, "/v1/activations", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var res activationResponse
	decodeBody(t, rec, &res)
	if res.Replayed {
		t.Fatal("first activation must not be a replay")
	}
	if res.Activation.Ref == "" || res.Activation.Amount != amount {
		t.Fatalf("unexpected activation: %+v", res.Activation)
	}
	if res.Placement.Slot != 1 || res.Placement.Participant != carol {
		t.Fatalf("unexpected placement: %+v", res.Placement)
	}

	// Resubmitting the identical activation replays the stored outcome.
	rec = env.do(t, http.MethodPost, "/v1/activations", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &res)
	if !res.Replayed {
		t.Fatal("expected replayed=true")
	}

	rec = env.do(t, http.MethodGet, "/v1/reserves/"+carol, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestValidationAndNotFoundEnvelopes(t *testing.T) {
	env := newTestServer(t, nil)
	dave := env.register(t, "dave", "")

	cases := []struct {
		name      string
		method    string
		target    string
		body      string
		wantCode  int
		wantError string
		wantField string
	}{
		{
			name:      "malformed_body",
			method:    http.MethodPost,
			target:    "/v1/placements",
			body:      "{not json",
			wantCode:  http.StatusBadRequest,
			wantError: "validation_failed",
			wantField: "body",
		},
		{
			name:      "bad_amount",
			method:    http.MethodPost,
			target:    "/v1/activations",
			body:      fmt.Sprintf(`{"participant":%q,"program":"binary","slot":1,"amount":"1.5","txRef":"0x1"}`, dave),
			wantCode:  http.StatusBadRequest,
			wantError: "validation_failed",
			wantField: "amount",
		},
		{
			name:      "unknown_program",
			method:    http.MethodPost,
			target:    "/v1/placements",
			body:      fmt.Sprintf(`{"participant":%q,"program":"pyramid","slot":1}`, dave),
			wantCode:  http.StatusBadRequest,
			wantError: "validation_failed",
		},
		{
			name:      "progression_missing_program",
			method:    http.MethodGet,
			target:    "/v1/progression/" + dave,
			wantCode:  http.StatusBadRequest,
			wantError: "validation_failed",
		},
		{
			name:      "bad_slot_query",
			method:    http.MethodGet,
			target:    "/v1/placements/" + dave + "?program=binary&slot=two",
			wantCode:  http.StatusBadRequest,
			wantError: "validation_failed",
			wantField: "slot",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.target, tc.body, nil)
			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d got %d: %s", tc.wantCode, rec.Code, rec.Body.String())
			}
			var envelope errorBody
			decodeBody(t, rec, &envelope)
			if envelope.Error.Code != tc.wantError {
				t.Fatalf("expected code %q got %q", tc.wantError, envelope.Error.Code)
			}
			if tc.wantField != "" && envelope.Error.Field != tc.wantField {
				t.Fatalf("expected field %q got %q", tc.wantField, envelope.Error.Field)
			}
		})
	}

	ghost, err := identity.FromSubject("ghost")
	if err != nil {
		t.Fatalf("derive ghost address: %v", err)
	}
	rec := env.do(t, http.MethodGet, "/v1/progression/"+ghost.String()+"?program=binary", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d: %s", rec.Code, rec.Body.String())
	}
	var envelope errorBody
	decodeBody(t, rec, &envelope)
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found got %q", envelope.Error.Code)
	}
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	env := newTestServer(t, nil)
	erin := env.register(t, "erin", "")

	body := fmt.Sprintf(`{"participant":%q,"program":"matrix","slot":1}`, erin)
	headers := map[string]string{"Idempotency-Key": "req-1"}

	rec := env.do(t, http.MethodPost, "/v1/placements", body, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Idempotent-Replay") != "" {
		t.Fatal("first response must not be marked as replay")
	}
	first := rec.Body.String()

	rec = env.do(t, http.MethodPost, "/v1/placements", body, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Idempotent-Replay") != "true" {
		t.Fatal("expected Idempotent-Replay header on second response")
	}
	if rec.Body.String() != first {
		t.Fatalf("replayed body differs:\nfirst:  %s\nsecond: %s", first, rec.Body.String())
	}

	// A fresh key goes through the engine again.
	rec = env.do(t, http.MethodPost, "/v1/placements", body, map[string]string{"Idempotency-Key": "req-2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSignedRouteGuard(t *testing.T) {
	const keyID = "partner-1"
	const secret = "super-secret"
	env := newTestServer(t, func(opts *Options) {
		opts.Authenticator = auth.New(map[string]string{keyID: secret}, auth.Options{})
	})

	payload := `{"subject":"frank"}`
	rec := env.do(t, http.MethodPost, "/v1/participants", payload, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d: %s", rec.Code, rec.Body.String())
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := uuid.NewString()
	signature := auth.ComputeSignature(secret, timestamp, nonce, http.MethodPost, "/v1/participants", []byte(payload))
	headers := map[string]string{
		auth.HeaderAPIKey:    keyID,
		auth.HeaderTimestamp: timestamp,
		auth.HeaderNonce:     nonce,
		auth.HeaderSignature: hex.EncodeToString(signature),
	}
	rec = env.do(t, http.MethodPost, "/v1/participants", payload, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	// Replaying the same nonce is rejected.
	rec = env.do(t, http.MethodPost, "/v1/participants", payload, headers)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on nonce replay got %d: %s", rec.Code, rec.Body.String())
	}
}

type stubExporter struct {
	manifest *exports.Manifest
	calls    int
}

func (s *stubExporter) Run(context.Context) (*exports.Manifest, error) {
	s.calls++
	return s.manifest, nil
}

func adminToken(t *testing.T, secret []byte, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": "uptree",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAdminGuard(t *testing.T) {
	secret := []byte("admin-secret")
	exporter := &stubExporter{manifest: &exports.Manifest{RunDir: "20250601T120000Z"}}
	env := newTestServer(t, func(opts *Options) {
		opts.AdminSecret = secret
		opts.Exporter = exporter
	})

	rec := env.do(t, http.MethodPost, "/admin/exports/run", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/admin/exports/run", "", map[string]string{
		"Authorization": "Bearer " + adminToken(t, secret, "read"),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/admin/exports/run", "", map[string]string{
		"Authorization": "Bearer " + adminToken(t, secret, "admin"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if exporter.calls != 1 {
		t.Fatalf("expected 1 export run, got %d", exporter.calls)
	}
	var manifest exports.Manifest
	decodeBody(t, rec, &manifest)
	if manifest.RunDir != "20250601T120000Z" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}

	rec = env.do(t, http.MethodPost, "/admin/outbox/retry", "", map[string]string{
		"Authorization": "Bearer " + adminToken(t, secret, "admin"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var retry outboxRetryResponse
	decodeBody(t, rec, &retry)
	if retry.Requeued != 0 {
		t.Fatalf("expected 0 requeued, got %d", retry.Requeued)
	}

	rec = env.do(t, http.MethodPost, "/admin/outbox/retry", `{"ids":["nope"]}`, map[string]string{
		"Authorization": "Bearer " + adminToken(t, secret, "admin"),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestThrottleLimitsClients(t *testing.T) {
	// Burst covers the register call plus one read; the next read trips.
	env := newTestServer(t, func(opts *Options) {
		opts.RequestsPerSecond = 1
		opts.Burst = 2
	})
	gina := env.register(t, "gina", "")

	rec := env.do(t, http.MethodGet, "/v1/placements/"+gina, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/v1/placements/"+gina, "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}
	var envelope errorBody
	decodeBody(t, rec, &envelope)
	if envelope.Error.Code != "rate_limited" {
		t.Fatalf("expected rate_limited got %q", envelope.Error.Code)
	}
}

func TestEventStreamBacklog(t *testing.T) {
	env := newTestServer(t, nil)
	hank := env.register(t, "hank", "")

	body := fmt.Sprintf(`{"participant":%q,"program":"binary","slot":1}`, hank)
	rec := env.do(t, http.MethodPost, "/v1/placements", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	server := httptest.NewServer(env.srv.Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial events stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame stream.Entry
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	if frame.Type != "placement.created" {
		t.Fatalf("unexpected event type %q", frame.Type)
	}
	if frame.Sequence == 0 || frame.Cursor == "" {
		t.Fatalf("expected cursor metadata, got %+v", frame)
	}
	if frame.Attributes["participant"] != hank {
		t.Fatalf("unexpected participant attribute: %q", frame.Attributes["participant"])
	}
}
