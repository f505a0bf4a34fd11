// Command placeloader drives signed placement traffic against a running
// gateway and measures end-to-end latency from the HTTP submit to the
// placement.created frame on the event stream.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"uptree/gateway/auth"
)

const (
	defaultDuration = 2 * time.Minute
	defaultRate     = 120 // placements per minute
)

type apiErrorBody struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type memberView struct {
	Address string `json:"address"`
}

type eventFrame struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

type latencyTracker struct {
	mu        sync.Mutex
	pending   map[string]time.Time
	latencies []time.Duration
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{pending: make(map[string]time.Time)}
}

func (lt *latencyTracker) track(participant string, at time.Time) {
	lt.mu.Lock()
	lt.pending[strings.ToLower(participant)] = at
	lt.mu.Unlock()
}

func (lt *latencyTracker) finalize(participant string, at time.Time) {
	key := strings.ToLower(participant)
	lt.mu.Lock()
	start, ok := lt.pending[key]
	if ok {
		lt.latencies = append(lt.latencies, at.Sub(start))
		delete(lt.pending, key)
	}
	lt.mu.Unlock()
}

func (lt *latencyTracker) snapshot() (latencies []time.Duration, pending int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	latencies = append([]time.Duration(nil), lt.latencies...)
	pending = len(lt.pending)
	return latencies, pending
}

func (lt *latencyTracker) waitForEmpty(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		lt.mu.Lock()
		remaining := len(lt.pending)
		lt.mu.Unlock()
		if remaining == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func main() {
	var (
		apiURL        string
		rate          int
		durationFlag  time.Duration
		subjectPrefix string
		program       string
		slot          int
	)
	flag.StringVar(&apiURL, "api", "http://127.0.0.1:8080", "gateway base URL")
	flag.IntVar(&rate, "rate", defaultRate, "target placements per minute")
	flag.DurationVar(&durationFlag, "duration", defaultDuration, "load duration")
	flag.StringVar(&subjectPrefix, "subject-prefix", "place-load", "prefix for generated subjects")
	flag.StringVar(&program, "program", "binary", "program to place into")
	flag.IntVar(&slot, "slot", 1, "slot to place into")
	flag.Parse()

	keyID := strings.TrimSpace(os.Getenv("UPTREE_API_KEY"))
	secret := strings.TrimSpace(os.Getenv("UPTREE_API_SECRET"))
	if keyID == "" || secret == "" {
		log.Fatal("missing credentials: set UPTREE_API_KEY and UPTREE_API_SECRET")
	}

	parsed, err := url.Parse(apiURL)
	if err != nil {
		log.Fatalf("parse api url: %v", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	if rate <= 0 {
		log.Fatalf("rate must be positive, got %d", rate)
	}
	if durationFlag <= 0 {
		durationFlag = defaultDuration
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	client := &signedClient{base: parsed, http: httpClient, keyID: keyID, secret: secret}
	tracker := newLatencyTracker()

	wsURL := *parsed
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/v1/ws/events"
	wsURL.RawQuery = ""

	wsCtx, wsCancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(wsCtx, wsURL.String(), nil)
	wsCancel()
	if err != nil {
		log.Fatalf("connect event stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "load complete")

	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	go consumeEvents(streamCtx, conn, tracker)

	interval := time.Minute / time.Duration(rate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(durationFlag)
	runID := uuid.NewString()[:8]
	var sequence int
	var submitted int
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			log.Printf("context cancelled: %v", ctx.Err())
			return
		default:
		}
		subject := fmt.Sprintf("%s-%s-%d", subjectPrefix, runID, sequence)
		address, err := submitPlacement(ctx, client, subject, program, slot)
		if err != nil {
			log.Printf("submit placement %d failed: %v", sequence, err)
		} else {
			tracker.track(address, time.Now())
			submitted++
		}
		sequence++
		time.Sleep(interval)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	if !tracker.waitForEmpty(waitCtx) {
		_, pending := tracker.snapshot()
		log.Printf("pending events for %d placements", pending)
	}

	streamCancel()

	latencies, pending := tracker.snapshot()
	reportLoadSummary(latencies, pending, submitted)
}

// submitPlacement registers a fresh participant and places it, returning the
// derived address the stream consumer will observe.
func submitPlacement(ctx context.Context, client *signedClient, subject, program string, slot int) (string, error) {
	raw, err := client.post(ctx, "/v1/participants", map[string]string{"subject": subject})
	if err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	var member memberView
	if err := json.Unmarshal(raw, &member); err != nil {
		return "", fmt.Errorf("decode member: %w", err)
	}
	if member.Address == "" {
		return "", fmt.Errorf("register returned no address")
	}
	_, err = client.post(ctx, "/v1/placements", map[string]any{
		"participant": member.Address,
		"program":     program,
		"slot":        slot,
	})
	if err != nil {
		return "", fmt.Errorf("place: %w", err)
	}
	return member.Address, nil
}

type signedClient struct {
	base   *url.URL
	http   *http.Client
	keyID  string
	secret string
}

func (c *signedClient) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	target := strings.TrimRight(c.base.String(), "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := uuid.NewString()
	signature := auth.ComputeSignature(c.secret, timestamp, nonce, http.MethodPost, path, payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAPIKey, c.keyID)
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(signature))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http call: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var decoded apiErrorBody
		if err := json.Unmarshal(buf.Bytes(), &decoded); err == nil && decoded.Error != nil {
			return nil, fmt.Errorf("api error %s: %s", decoded.Error.Code, decoded.Error.Message)
		}
		return nil, fmt.Errorf("http %s", resp.Status)
	}
	return json.RawMessage(buf.Bytes()), nil
}

func consumeEvents(ctx context.Context, conn *websocket.Conn, tracker *latencyTracker) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame eventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("decode event frame: %v", err)
			continue
		}
		if frame.Type == "placement.created" {
			tracker.finalize(frame.Attributes["participant"], time.Now())
		}
	}
}

func reportLoadSummary(latencies []time.Duration, pending int, submitted int) {
	var max time.Duration
	var total time.Duration
	for _, latency := range latencies {
		if latency > max {
			max = latency
		}
		total += latency
	}
	avg := time.Duration(0)
	if len(latencies) > 0 {
		avg = time.Duration(int64(total) / int64(len(latencies)))
	}
	log.Printf("Placement loader submitted %d placements", submitted)
	log.Printf("Observed %d placement events (pending: %d)", len(latencies), pending)
	log.Printf("Latency avg=%s max=%s", avg, max)
}
