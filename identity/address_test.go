package identity

import (
	"errors"
	"strings"
	"testing"
)

func TestFromSubjectDeterministic(t *testing.T) {
	first, err := FromSubject("member-1001")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	second, err := FromSubject("  member-1001  ")
	if err != nil {
		t.Fatalf("derive trimmed: %v", err)
	}
	if first != second {
		t.Fatalf("derivation not deterministic: %s vs %s", first, second)
	}
	other, err := FromSubject("member-1002")
	if err != nil {
		t.Fatalf("derive other: %v", err)
	}
	if first == other {
		t.Fatalf("distinct subjects collided on %s", first)
	}
	if _, err := FromSubject("   "); !errors.Is(err, ErrEmptySubject) {
		t.Fatalf("expected ErrEmptySubject, got %v", err)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	addr, err := FromSubject("member-1001")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	encoded := addr.String()
	if !strings.HasPrefix(encoded, HRP+"1") {
		t.Fatalf("encoded address %q missing hrp", encoded)
	}
	parsed, err := Parse(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != addr {
		t.Fatalf("round trip mismatch: %s vs %s", parsed, addr)
	}
}

func TestParseRejectsForeignPrefix(t *testing.T) {
	cases := []string{
		"",
		"upt1short",
		"nhb1qypqxpq9qcrsszg2pvxq6rs0zqg3yyc5z5tpwxqergd3c8g7rusqqqqqqq",
	}
	for _, tc := range cases {
		if _, err := Parse(tc); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("Parse(%q): expected ErrInvalidAddress, got %v", tc, err)
		}
	}
}

func TestIsZero(t *testing.T) {
	var zero Address
	if !zero.IsZero() {
		t.Fatalf("zero value not reported as zero")
	}
	addr, err := FromSubject("member-1001")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if addr.IsZero() {
		t.Fatalf("derived address reported as zero")
	}
	b := addr.Bytes()
	b[0] ^= 0xff
	if addr.Bytes()[0] == b[0] {
		t.Fatalf("Bytes must return a copy")
	}
}
