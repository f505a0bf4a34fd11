package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"testing"

	"uptree/observability/logging"
)

func TestRegisterLogRedactsDirectoryFields(t *testing.T) {
	buf := &bytes.Buffer{}
	env := newTestServer(t, func(opts *Options) {
		opts.Logger = slog.New(slog.NewJSONHandler(buf, nil))
	})

	const subject = "member-447@corp.example"
	const handle = "bright-star-77"
	payload := fmt.Sprintf(`{"subject":%q,"handle":%q}`, subject, handle)
	rec := env.do(t, http.MethodPost, "/v1/participants", payload, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var member memberView
	decodeBody(t, rec, &member)

	if logging.IsAllowlisted("subject") || logging.IsAllowlisted("handle") {
		t.Fatalf("directory fields must not be allowlisted for logging: %v", logging.RedactionAllowlist())
	}

	raw := buf.Bytes()
	if bytes.Contains(raw, []byte(subject)) {
		t.Fatalf("log output leaked subject: %s", raw)
	}
	if bytes.Contains(raw, []byte(handle)) {
		t.Fatalf("log output leaked handle: %s", raw)
	}

	var entry map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("decode log line %q: %v", scanner.Text(), err)
		}
		if line["msg"] == "participant registered" {
			entry = line
			break
		}
	}
	if entry == nil {
		t.Fatalf("no registration log line in output: %s", raw)
	}

	if entry["participant"] != member.Address {
		t.Fatalf("expected participant %q in log, got %v", member.Address, entry["participant"])
	}
	if entry["subject"] != logging.RedactedValue {
		t.Fatalf("expected redacted subject, got %v", entry["subject"])
	}
	if entry["handle"] != logging.RedactedValue {
		t.Fatalf("expected redacted handle, got %v", entry["handle"])
	}
}
