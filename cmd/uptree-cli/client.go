package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"uptree/cmd/internal/secret"
	"uptree/gateway/auth"
)

var (
	apiEndpoint   = defaultAPIEndpoint()
	apiKeyID      = os.Getenv("UPTREE_API_KEY")
	adminToken    = os.Getenv("UPTREE_ADMIN_TOKEN")
	signingSecret = secret.NewSource("UPTREE_API_SECRET", "Enter API signing secret: ")

	httpClient = &http.Client{Timeout: 15 * time.Second}

	// Swappable in tests.
	apiCall   = doSignedCall
	adminCall = doAdminCall
	nowFn     = time.Now
)

func defaultAPIEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("UPTREE_API_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// apiError mirrors the gateway error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type errorBody struct {
	Error *apiError `json:"error"`
}

// doSignedCall performs one signed request against the partner API. The
// signature covers the method, the path with its query sorted, and the raw
// body, matching what the gateway verifies.
func doSignedCall(method, path string, query url.Values, body any, idempotencyKey string) (json.RawMessage, *apiError, error) {
	if strings.TrimSpace(apiKeyID) == "" {
		return nil, nil, fmt.Errorf("signed request requires UPTREE_API_KEY to be set")
	}
	secretValue, err := signingSecret.Get()
	if err != nil {
		return nil, nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	rawQuery := query.Encode()
	target := strings.TrimRight(apiEndpoint, "/") + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	signedPath := path
	if rawQuery != "" {
		signedPath += "?" + auth.CanonicalQuery(rawQuery)
	}

	timestamp := strconv.FormatInt(nowFn().Unix(), 10)
	nonce := uuid.NewString()
	signature := auth.ComputeSignature(secretValue, timestamp, nonce, method, signedPath, payload)

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(auth.HeaderAPIKey, strings.TrimSpace(apiKeyID))
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(signature))
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	return execute(req)
}

// doAdminCall performs one bearer-authenticated request against the admin
// surface.
func doAdminCall(method, path string) (json.RawMessage, *apiError, error) {
	if strings.TrimSpace(adminToken) == "" {
		return nil, nil, fmt.Errorf("admin call requires UPTREE_ADMIN_TOKEN to be set")
	}
	target := strings.TrimRight(apiEndpoint, "/") + path
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(adminToken))
	return execute(req)
}

func execute(req *http.Request) (json.RawMessage, *apiError, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var envelope errorBody
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil {
			return nil, envelope.Error, nil
		}
		return nil, &apiError{Code: "http_error", Message: fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(data)))}, nil
	}
	return json.RawMessage(data), nil, nil
}

func writeResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "No result.")
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Fprintln(w, strings.TrimSpace(string(result)))
		return
	}
	fmt.Fprintln(w, strings.TrimSpace(buf.String()))
}

func handleCallError(w io.Writer, err error) int {
	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}

func handleAPIError(w io.Writer, apiErr *apiError) int {
	if apiErr.Field != "" {
		fmt.Fprintf(w, "API error %s (%s): %s\n", apiErr.Code, apiErr.Field, apiErr.Message)
	} else {
		fmt.Fprintf(w, "API error %s: %s\n", apiErr.Code, apiErr.Message)
	}
	return 1
}
