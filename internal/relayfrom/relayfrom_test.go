package relayfrom

import (
	"net/mail"
	"strings"
	"testing"
)

func newFormatter(t *testing.T) *Formatter {
	t.Helper()
	f, err := New(`"Relay" <relay@relay.example>`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestNew(t *testing.T) {
	t.Parallel()

	f := newFormatter(t)
	if got := f.Address(); got != "relay@relay.example" {
		t.Errorf("Address: got %q", got)
	}

	if _, err := New("not an address"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	f := newFormatter(t)

	tests := []struct {
		name     string
		original string
		wantName string
	}{
		{"plain", "sender@external.com", "sender@external.com [via Relay]"},
		{"with display name", `Jane Doe <jane@external.com>`, "Jane Doe <jane@external.com> [via Relay]"},
		{"line breaks", "evil@external.com\r\nBcc: victim@example.com", "evil@external.comBcc: victim@example.com [via Relay]"},
		{"line separator", "a\u2028b@external.com", "ab@external.com [via Relay]"},
		{"non ascii", "Zoë <zoe@external.com>", "Zoë <zoe@external.com> [via Relay]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Format(tt.original)
			if strings.ContainsAny(got, "\r\n") {
				t.Fatalf("formatted value contains line breaks: %q", got)
			}

			addr, err := mail.ParseAddress(got)
			if err != nil {
				t.Fatalf("ParseAddress(%q): %v", got, err)
			}
			if addr.Address != "relay@relay.example" {
				t.Errorf("addr-spec: got %q", addr.Address)
			}
			if addr.Name != tt.wantName {
				t.Errorf("display name: got %q, want %q", addr.Name, tt.wantName)
			}
		})
	}
}

func TestFormat_NonASCIIIsEncoded(t *testing.T) {
	t.Parallel()

	got := newFormatter(t).Format("Zoë <zoe@external.com>")
	if !strings.HasPrefix(got, "=?utf-8?") {
		t.Errorf("expected RFC 2047 encoded display name, got %q", got)
	}
}

func TestFormat_Truncates(t *testing.T) {
	t.Parallel()

	f := newFormatter(t)
	original := strings.Repeat("a", 1000) + "@example.com"

	got := f.Format(original)
	if len(got) > maxHeaderLine {
		t.Errorf("formatted length %d exceeds %d", len(got), maxHeaderLine)
	}

	addr, err := mail.ParseAddress(got)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	want := strings.Repeat("a", 900) + " ..." + viaSuffix
	if addr.Name != want {
		t.Errorf("display name: got %d chars, want %d", len(addr.Name), len(want))
	}
	if addr.Address != "relay@relay.example" {
		t.Errorf("addr-spec: got %q", addr.Address)
	}
}

func TestFormat_BoundaryNotTruncated(t *testing.T) {
	t.Parallel()

	original := strings.Repeat("b", 998)
	addr, err := mail.ParseAddress(newFormatter(t).Format(original))
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if addr.Name != original+viaSuffix {
		t.Error("998-character original should not be truncated")
	}
}
