package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"testing"
)

func TestCommandArgValidation(t *testing.T) {
	originalCall := apiCall
	apiCall = func(method, path string, query url.Values, body any, idemKey string) (json.RawMessage, *apiError, error) {
		t.Fatalf("unexpected API call %s %s", method, path)
		return nil, nil, nil
	}
	defer func() { apiCall = originalCall }()

	cases := []struct {
		name string
		run  func([]string, io.Writer, io.Writer) int
		args []string
		want string
	}{
		{
			name: "register_missing_subject",
			run:  runRegisterCommand,
			args: nil,
			want: "Error: --subject is required\n",
		},
		{
			name: "register_positional_args",
			run:  runRegisterCommand,
			args: []string{"--subject", "user-1", "bogus"},
			want: "Error: unexpected positional arguments\n",
		},
		{
			name: "place_missing_participant",
			run:  runPlaceCommand,
			args: []string{"--program", "binary", "--slot", "1"},
			want: "Error: --participant is required\n",
		},
		{
			name: "place_missing_program",
			run:  runPlaceCommand,
			args: []string{"--participant", "upt1alice", "--slot", "1"},
			want: "Error: --program is required\n",
		},
		{
			name: "place_zero_slot",
			run:  runPlaceCommand,
			args: []string{"--participant", "upt1alice", "--program", "binary"},
			want: "Error: --slot must be a positive integer\n",
		},
		{
			name: "activate_invalid_amount",
			run:  runActivateCommand,
			args: []string{"--participant", "upt1alice", "--program", "binary", "--slot", "1", "--amount", "12.5", "--tx", "0xabc"},
			want: "Error: --amount must be a base-10 integer\n",
		},
		{
			name: "activate_zero_amount",
			run:  runActivateCommand,
			args: []string{"--participant", "upt1alice", "--program", "binary", "--slot", "1", "--amount", "0", "--tx", "0xabc"},
			want: "Error: --amount must be positive\n",
		},
		{
			name: "activate_missing_tx",
			run:  runActivateCommand,
			args: []string{"--participant", "upt1alice", "--program", "binary", "--slot", "1", "--amount", "100"},
			want: "Error: --tx is required\n",
		},
		{
			name: "progression_missing_program",
			run:  runProgressionCommand,
			args: []string{"--participant", "upt1alice"},
			want: "Error: --program is required\n",
		},
		{
			name: "reserve_slot_without_program",
			run:  runReserveCommand,
			args: []string{"--participant", "upt1alice", "--slot", "2"},
			want: "Error: --program is required with --slot\n",
		},
		{
			name: "reserve_negative_limit",
			run:  runReserveCommand,
			args: []string{"--participant", "upt1alice", "--limit", "-1"},
			want: "Error: --limit must not be negative\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout := &bytes.Buffer{}
			stderr := &bytes.Buffer{}
			exitCode := tc.run(tc.args, stdout, stderr)
			if exitCode != 1 {
				t.Fatalf("unexpected exit code: got %d, want 1", exitCode)
			}
			if stdout.Len() != 0 {
				t.Fatalf("expected empty stdout, got %q", stdout.String())
			}
			if stderr.String() != tc.want {
				t.Fatalf("unexpected stderr: got %q, want %q", stderr.String(), tc.want)
			}
		})
	}
}

func TestRegisterCommandSuccess(t *testing.T) {
	originalCall := apiCall
	apiCall = func(method, path string, query url.Values, body any, idemKey string) (json.RawMessage, *apiError, error) {
		if method != http.MethodPost || path != "/v1/participants" {
			t.Fatalf("unexpected call: %s %s", method, path)
		}
		if len(query) != 0 {
			t.Fatalf("unexpected query: %v", query)
		}
		if idemKey != "" {
			t.Fatalf("unexpected idempotency key: %q", idemKey)
		}
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		want := `{"handle":"alice","referrer":"upt1ref","subject":"user-1"}`
		if string(payload) != want {
			t.Fatalf("unexpected body: got %s, want %s", payload, want)
		}
		return json.RawMessage(`{"subject":"user-1"}`), nil, nil
	}
	defer func() { apiCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	args := []string{"--subject", "user-1", "--handle", "alice", "--referrer", "upt1ref"}
	exitCode := runRegisterCommand(args, stdout, stderr)
	if exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d, want 0", exitCode)
	}
	if stderr.Len() != 0 {
		t.Fatalf("expected empty stderr, got %q", stderr.String())
	}
	want := "{\n  \"subject\": \"user-1\"\n}\n"
	if stdout.String() != want {
		t.Fatalf("unexpected stdout: got %q, want %q", stdout.String(), want)
	}
}

func TestPlaceCommandSendsIdempotencyKey(t *testing.T) {
	originalCall := apiCall
	apiCall = func(method, path string, query url.Values, body any, idemKey string) (json.RawMessage, *apiError, error) {
		if method != http.MethodPost || path != "/v1/placements" {
			t.Fatalf("unexpected call: %s %s", method, path)
		}
		if idemKey != "order-42" {
			t.Fatalf("unexpected idempotency key: %q", idemKey)
		}
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		want := `{"participant":"upt1alice","program":"binary","referrer":"","slot":2}`
		if string(payload) != want {
			t.Fatalf("unexpected body: got %s, want %s", payload, want)
		}
		return json.RawMessage(`{"slot":2}`), nil, nil
	}
	defer func() { apiCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	args := []string{"--participant", "upt1alice", "--program", "binary", "--slot", "2", "--idempotency-key", "order-42"}
	exitCode := runPlaceCommand(args, stdout, stderr)
	if exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d, want 0", exitCode)
	}
	if stderr.Len() != 0 {
		t.Fatalf("expected empty stderr, got %q", stderr.String())
	}
}

func TestActivateCommandNormalizesAmount(t *testing.T) {
	originalCall := apiCall
	apiCall = func(method, path string, query url.Values, body any, idemKey string) (json.RawMessage, *apiError, error) {
		if method != http.MethodPost || path != "/v1/activations" {
			t.Fatalf("unexpected call: %s %s", method, path)
		}
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		want := `{"amount":"7000","participant":"upt1alice","program":"matrix","referrer":"","slot":1,"txRef":"0xfeed"}`
		if string(payload) != want {
			t.Fatalf("unexpected body: got %s, want %s", payload, want)
		}
		return json.RawMessage(`{"activated":true}`), nil, nil
	}
	defer func() { apiCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	args := []string{"--participant", "upt1alice", "--program", "matrix", "--slot", "1", "--amount", "007000", "--tx", "0xfeed"}
	exitCode := runActivateCommand(args, stdout, stderr)
	if exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d, want 0", exitCode)
	}
	if stderr.Len() != 0 {
		t.Fatalf("expected empty stderr, got %q", stderr.String())
	}
}

func TestProgressionCommandQuery(t *testing.T) {
	originalCall := apiCall
	apiCall = func(method, path string, query url.Values, body any, idemKey string) (json.RawMessage, *apiError, error) {
		if method != http.MethodGet {
			t.Fatalf("unexpected method: %s", method)
		}
		if path != "/v1/progression/upt1alice" {
			t.Fatalf("unexpected path: %s", path)
		}
		if got := query.Get("program"); got != "binary" {
			t.Fatalf("unexpected program query: %q", got)
		}
		if body != nil {
			t.Fatalf("unexpected body: %v", body)
		}
		return json.RawMessage(`{"phase":"open"}`), nil, nil
	}
	defer func() { apiCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	exitCode := runProgressionCommand([]string{"--participant", "upt1alice", "--program", "binary"}, stdout, stderr)
	if exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d, want 0", exitCode)
	}
	if stderr.Len() != 0 {
		t.Fatalf("expected empty stderr, got %q", stderr.String())
	}
}

func TestReserveCommandQuery(t *testing.T) {
	originalCall := apiCall
	apiCall = func(method, path string, query url.Values, body any, idemKey string) (json.RawMessage, *apiError, error) {
		if method != http.MethodGet {
			t.Fatalf("unexpected method: %s", method)
		}
		if path != "/v1/reserves/upt1alice" {
			t.Fatalf("unexpected path: %s", path)
		}
		if got := query.Get("program"); got != "binary" {
			t.Fatalf("unexpected program query: %q", got)
		}
		if got := query.Get("slot"); got != "3" {
			t.Fatalf("unexpected slot query: %q", got)
		}
		if got := query.Get("limit"); got != "10" {
			t.Fatalf("unexpected limit query: %q", got)
		}
		return json.RawMessage(`{"entries":[]}`), nil, nil
	}
	defer func() { apiCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	args := []string{"--participant", "upt1alice", "--program", "binary", "--slot", "3", "--limit", "10"}
	exitCode := runReserveCommand(args, stdout, stderr)
	if exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d, want 0", exitCode)
	}
	if stderr.Len() != 0 {
		t.Fatalf("expected empty stderr, got %q", stderr.String())
	}
}

func TestAPIErrorOutput(t *testing.T) {
	originalCall := apiCall
	apiCall = func(method, path string, query url.Values, body any, idemKey string) (json.RawMessage, *apiError, error) {
		return nil, &apiError{Code: "invalid_request", Message: "slot out of range", Field: "slot"}, nil
	}
	defer func() { apiCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	args := []string{"--participant", "upt1alice", "--program", "binary", "--slot", "99"}
	exitCode := runPlaceCommand(args, stdout, stderr)
	if exitCode != 1 {
		t.Fatalf("unexpected exit code: got %d, want 1", exitCode)
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected empty stdout, got %q", stdout.String())
	}
	want := "API error invalid_request (slot): slot out of range\n"
	if stderr.String() != want {
		t.Fatalf("unexpected stderr: got %q, want %q", stderr.String(), want)
	}
}

func TestExportCommand(t *testing.T) {
	originalCall := adminCall
	adminCall = func(method, path string) (json.RawMessage, *apiError, error) {
		if method != http.MethodPost || path != "/admin/exports/run" {
			t.Fatalf("unexpected call: %s %s", method, path)
		}
		return json.RawMessage(`{"runDir":"20250601T120000Z"}`), nil, nil
	}
	defer func() { adminCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	exitCode := runExportCommand(nil, stdout, stderr)
	if exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d, want 0", exitCode)
	}
	if stderr.Len() != 0 {
		t.Fatalf("expected empty stderr, got %q", stderr.String())
	}
	want := "{\n  \"runDir\": \"20250601T120000Z\"\n}\n"
	if stdout.String() != want {
		t.Fatalf("unexpected stdout: got %q, want %q", stdout.String(), want)
	}
}

func TestApplyGlobalFlags(t *testing.T) {
	originalEndpoint := apiEndpoint
	defer func() { apiEndpoint = originalEndpoint }()

	args, err := applyGlobalFlags([]string{"--api", "http://example.test:9000", "reserve"})
	if err != nil {
		t.Fatalf("applyGlobalFlags: %v", err)
	}
	if apiEndpoint != "http://example.test:9000" {
		t.Fatalf("unexpected endpoint: %q", apiEndpoint)
	}
	if len(args) != 1 || args[0] != "reserve" {
		t.Fatalf("unexpected remaining args: %v", args)
	}

	args, err = applyGlobalFlags([]string{"--api=http://other.test", "export"})
	if err != nil {
		t.Fatalf("applyGlobalFlags: %v", err)
	}
	if apiEndpoint != "http://other.test" {
		t.Fatalf("unexpected endpoint: %q", apiEndpoint)
	}
	if len(args) != 1 || args[0] != "export" {
		t.Fatalf("unexpected remaining args: %v", args)
	}

	if _, err := applyGlobalFlags([]string{"--api"}); err == nil {
		t.Fatal("expected error for missing --api value")
	}
}

func TestNormalizeAmount(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "100", want: "100"},
		{raw: " 0042 ", want: "42"},
		{raw: "", wantErr: true},
		{raw: "1.5", wantErr: true},
		{raw: "-3", wantErr: true},
		{raw: "0", wantErr: true},
	}
	for _, tc := range cases {
		got, err := normalizeAmount(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("normalizeAmount(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("normalizeAmount(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("normalizeAmount(%q): got %q, want %q", tc.raw, got, tc.want)
		}
	}
}
