package util

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseRFC3339(t *testing.T) {
	ts, err := ParseRFC3339("2026-08-28T10:15:30.123456789Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Year() != 2026 || ts.Nanosecond() != 123456789 {
		t.Fatalf("unexpected parse result: %v", ts)
	}

	if _, err := ParseRFC3339("  "); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("expected ErrInvalidTimestamp for empty value, got %v", err)
	}
	if _, err := ParseRFC3339("28-08-2026"); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("expected ErrInvalidTimestamp for malformed value, got %v", err)
	}
}

func TestParseRFC3339RoundTrip(t *testing.T) {
	orig := time.Date(2026, 8, 28, 9, 0, 0, 42, time.UTC)
	parsed, err := ParseRFC3339(orig.Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !parsed.Equal(orig) {
		t.Fatalf("round trip mismatch: got %v want %v", parsed, orig)
	}
}

func TestValidateHTTPURL(t *testing.T) {
	got, err := ValidateHTTPURL("  https://crm.example.com/api ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://crm.example.com/api" {
		t.Fatalf("expected trimmed url, got %q", got)
	}

	cases := []string{"", "ftp://example.com", "https://"}
	for _, c := range cases {
		if _, err := ValidateHTTPURL(c); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("expected ErrInvalidURL for %q, got %v", c, err)
		}
	}
}

func TestEnsureMaxRunes(t *testing.T) {
	if err := EnsureMaxRunes("text", "héllo", 5); err != nil {
		t.Fatalf("5 runes within limit 5 should pass: %v", err)
	}
	if err := EnsureMaxRunes("text", "héllo!", 5); err == nil {
		t.Fatal("expected error for 6 runes over limit 5")
	}
	if err := EnsureMaxRunes("text", strings.Repeat("x", 1000), 0); err != nil {
		t.Fatalf("zero limit disables the check: %v", err)
	}
}
