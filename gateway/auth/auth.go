// Package auth verifies the signed-request scheme of the uptree gateway.
// Every protected request carries an API key id, a unix timestamp, a random
// nonce and a hex HMAC-SHA256 signature over
// "timestamp\nnonce\nMETHOD\npath?query\nbody". Nonces are tracked per key
// so a captured request cannot be replayed inside the timestamp window.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Signed request headers.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// MaxSignedBody caps how much request body participates in signing.
const MaxSignedBody = 1 << 20

const (
	defaultSkew     = 5 * time.Minute
	defaultCapacity = 4096
	pruneInterval   = time.Minute
)

// Principal identifies an authenticated caller.
type Principal struct {
	APIKey string
}

// NonceRecord is one observed nonce, durable across restarts when a
// NonceStore is attached.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NonceStore persists nonce usage so replay protection survives restarts.
type NonceStore interface {
	// Ensure records the nonce and reports whether it already existed.
	Ensure(ctx context.Context, record NonceRecord) (bool, error)
	// Recent returns nonces observed at or after cutoff.
	Recent(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	// Prune drops nonces observed before cutoff.
	Prune(ctx context.Context, cutoff time.Time) error
}

// Options tune the authenticator. Zero values take defaults.
type Options struct {
	// Skew bounds how far a request timestamp may drift from server time.
	Skew time.Duration
	// Capacity caps the in-memory nonce cache.
	Capacity int
	Now      func() time.Time
	// Store, when set, makes replay protection durable.
	Store NonceStore
}

// Authenticator verifies API key signatures and rejects nonce replays. The
// nonce window equals twice the timestamp skew, which covers every instant a
// replayed timestamp would still validate.
type Authenticator struct {
	secrets  map[string]string
	skew     time.Duration
	capacity int
	now      func() time.Time
	store    NonceStore

	mu        sync.Mutex
	seen      map[string]time.Time
	order     []expiring
	lastPrune time.Time
}

type expiring struct {
	key string
	at  time.Time
}

// New builds an authenticator over the key id to secret map.
func New(secrets map[string]string, opts Options) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for id, secret := range secrets {
		cloned[strings.TrimSpace(id)] = strings.TrimSpace(secret)
	}
	skew := opts.Skew
	if skew <= 0 {
		skew = defaultSkew
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Authenticator{
		secrets:  cloned,
		skew:     skew,
		capacity: capacity,
		now:      now,
		store:    opts.Store,
		seen:     make(map[string]time.Time),
	}
}

// Verify checks headers and signature against the raw body and returns the
// caller principal. Any returned error maps to 401 at the transport.
func (a *Authenticator) Verify(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxSignedBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxSignedBody)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing " + HeaderAPIKey + " header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}

	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return nil, errors.New("missing " + HeaderTimestamp + " header")
	}
	secs, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.now().UTC()
	drift := now.Sub(time.Unix(secs, 0).UTC())
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}

	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing " + HeaderNonce + " header")
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, errors.New("missing " + HeaderSignature + " header")
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected := ComputeSignature(secret, tsHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}

	replayed, err := a.remember(r.Context(), apiKey, tsHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if replayed {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey}, nil
}

// Hydrate warms the in-memory cache from the attached store, called once at
// startup so restarts do not reopen the replay window.
func (a *Authenticator) Hydrate(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	records, err := a.store.Recent(ctx, a.now().UTC().Add(-a.window()))
	if err != nil {
		return fmt.Errorf("load persisted nonces: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range records {
		if rec.APIKey == "" || rec.Nonce == "" {
			continue
		}
		a.insertLocked(compositeKey(rec.APIKey, rec.Timestamp, rec.Nonce), rec.ObservedAt)
	}
	return nil
}

func (a *Authenticator) window() time.Duration {
	return 2 * a.skew
}

func (a *Authenticator) remember(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	composite := compositeKey(apiKey, timestamp, nonce)

	a.mu.Lock()
	a.evictLocked(now)
	if _, dup := a.seen[composite]; dup {
		a.mu.Unlock()
		return true, nil
	}
	a.insertLocked(composite, now)
	shouldPrune := a.store != nil && (a.lastPrune.IsZero() || now.Sub(a.lastPrune) >= pruneInterval)
	if shouldPrune {
		a.lastPrune = now
	}
	a.mu.Unlock()

	if a.store == nil {
		return false, nil
	}
	if shouldPrune {
		if err := a.store.Prune(ctx, now.Add(-a.window())); err != nil {
			return false, fmt.Errorf("prune nonces: %w", err)
		}
	}
	existed, err := a.store.Ensure(ctx, NonceRecord{
		APIKey:     apiKey,
		Timestamp:  timestamp,
		Nonce:      nonce,
		ObservedAt: now,
	})
	if err != nil {
		return false, fmt.Errorf("persist nonce: %w", err)
	}
	return existed, nil
}

// insertLocked adds a composite to the cache. The order queue uses lazy
// deletion, so a stale queue entry whose key was already dropped just falls
// out during eviction.
func (a *Authenticator) insertLocked(composite string, at time.Time) {
	a.seen[composite] = at
	a.order = append(a.order, expiring{key: composite, at: at})
	for len(a.seen) > a.capacity {
		a.dropOldestLocked()
	}
}

func (a *Authenticator) evictLocked(now time.Time) {
	cutoff := now.Add(-a.window())
	for len(a.order) > 0 && a.order[0].at.Before(cutoff) {
		a.dropOldestLocked()
	}
}

func (a *Authenticator) dropOldestLocked() {
	head := a.order[0]
	a.order = a.order[1:]
	if at, ok := a.seen[head.key]; ok && at.Equal(head.at) {
		delete(a.seen, head.key)
	}
}

// CanonicalRequestPath renders the signed path: URL path plus the query with
// its parameters sorted, so client and server agree regardless of ordering.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery sorts raw query terms for stable signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	terms := strings.Split(raw, "&")
	sort.Strings(terms)
	return strings.Join(terms, "&")
}

// ComputeSignature derives the HMAC-SHA256 signature bytes for a request.
// Callers hex-encode the result into the signature header.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func compositeKey(apiKey, timestamp, nonce string) string {
	return apiKey + "|" + timestamp + "|" + nonce
}
