package format

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := (JSONFormatter{}).Write(&buf, map[string]int{"a": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.String() != "{\"a\":1}\n" {
		t.Fatalf("unexpected compact output %q", buf.String())
	}

	buf.Reset()
	if err := (JSONFormatter{Indent: true}).Write(&buf, map[string]int{"a": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  \"a\": 1") {
		t.Fatalf("expected indented output, got %q", buf.String())
	}
}

func TestBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{-5, "0 B"},
		{1536, "1.5 KiB"},
		{3 << 20, "3.0 MiB"},
	}
	for _, tt := range tests {
		if got := Bytes(tt.in); got != tt.want {
			t.Fatalf("Bytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTimeAndDigest(t *testing.T) {
	if Time(time.Time{}) != "-" {
		t.Fatal("zero time should render as -")
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	if got := Time(ts); got != "2026-03-01T11:00:00Z" {
		t.Fatalf("unexpected time %q", got)
	}
	if Ago(time.Time{}) != "never" {
		t.Fatal("zero time should render as never")
	}
	if got := ShortDigest("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("unexpected short digest %q", got)
	}
}
