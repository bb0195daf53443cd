package provider

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/util"
)

func TestHTTPErrorTruncatesLongBody(t *testing.T) {
	err := &HTTPError{StatusCode: 500, Body: strings.Repeat("x", 4096)}
	msg := err.Error()
	if !strings.Contains(msg, "provider returned 500") {
		t.Fatalf("missing status in message: %q", msg[:80])
	}
	if !strings.Contains(msg, "truncated") {
		t.Fatal("long body was not truncated in the message")
	}
	if len(msg) > util.DefaultLogMaxLen+128 {
		t.Fatalf("message too long: %d bytes", len(msg))
	}

	short := &HTTPError{StatusCode: 404, Body: "not found"}
	if got := short.Error(); !strings.Contains(got, "not found") {
		t.Fatalf("short body must pass through, got %q", got)
	}
}

func TestNewHTTPErrorCapturesRetryAfterHeader(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"7"}},
	}
	err := NewHTTPError(resp, []byte("slow down"))
	if err.HTTPStatus() != http.StatusTooManyRequests {
		t.Fatalf("status = %d", err.HTTPStatus())
	}
	if got := err.RetryAfterHint(); got != 7*time.Second {
		t.Fatalf("RetryAfterHint = %v, want 7s", got)
	}
}

func TestNewHTTPErrorCapturesStructuredRetryDelay(t *testing.T) {
	body := []byte(`{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"3.5s"}]}}`)
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	err := NewHTTPError(resp, body)
	if got := err.RetryAfterHint(); got != 3500*time.Millisecond {
		t.Fatalf("RetryAfterHint = %v, want 3.5s", got)
	}

	plain := NewHTTPError(&http.Response{StatusCode: 500, Header: http.Header{}}, []byte("boom"))
	if got := plain.RetryAfterHint(); got != 0 {
		t.Fatalf("no hint should yield 0, got %v", got)
	}
}
