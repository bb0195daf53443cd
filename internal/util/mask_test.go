package util

import (
	"strings"
	"testing"
)

func TestTruncateLog(t *testing.T) {
	long := strings.Repeat("x", 2048)
	got := TruncateLog(long, 100)
	if !strings.HasPrefix(got, strings.Repeat("x", 100)) {
		t.Fatalf("expected truncated prefix, got %q", got[:120])
	}
	if !strings.Contains(got, "2048 bytes total") {
		t.Fatalf("expected total byte count in suffix, got %q", got)
	}

	short := "hello"
	if TruncateLog(short, 100) != short {
		t.Fatalf("short strings must pass through unchanged")
	}
}

func TestMaskToken(t *testing.T) {
	tok := "sk-abcdefghijklmnopqrstuvwxyz0123456789"
	masked := MaskToken(tok)
	if strings.Contains(masked, "abcdef") {
		t.Fatalf("masked token leaks prefix: %q", masked)
	}
	if !strings.HasSuffix(tok, strings.TrimPrefix(masked, "...")) {
		t.Fatalf("masked token should keep tail: %q", masked)
	}
	if MaskToken("short") != "short" {
		t.Fatalf("short tokens are returned as-is")
	}
}
