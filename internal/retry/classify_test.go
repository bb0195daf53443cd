package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClassifyIsDeterministic(t *testing.T) {
	tests := []struct {
		name string
		sig  Signal
		want Class
	}{
		{"401", Signal{StatusCode: http.StatusUnauthorized}, ClassAuth},
		{"403", Signal{StatusCode: http.StatusForbidden}, ClassAuth},
		{"invalid grant", Signal{Err: errors.New(`oauth2: cannot fetch token: 400 Bad Request {"error":"invalid_grant"}`)}, ClassAuth},
		{"revoked", Signal{Err: errors.New("token has been expired or revoked")}, ClassAuth},
		{"500", Signal{StatusCode: http.StatusInternalServerError}, ClassTransientNetwork},
		{"429", Signal{StatusCode: http.StatusTooManyRequests}, ClassTransientNetwork},
		{"deadline", Signal{Err: context.DeadlineExceeded}, ClassTransientNetwork},
		{"conn reset", Signal{Err: errors.New("read tcp: connection reset by peer")}, ClassTransientNetwork},
		{"mid-stream drop", Signal{MidStream: true, Err: errors.New("unexpected EOF")}, ClassStreamInterrupted},
		{"bad request", Signal{StatusCode: http.StatusBadRequest}, ClassFatal},
		{"unknown error", Signal{Err: errors.New("something odd")}, ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Run twice: same signal must always map to the same class.
			for i := 0; i < 2; i++ {
				if got := Classify(tt.sig); got != tt.want {
					t.Fatalf("Classify(%+v) = %s, want %s", tt.sig, got, tt.want)
				}
			}
		})
	}
}

func TestDecideActions(t *testing.T) {
	tests := []struct {
		name    string
		sig     Signal
		attempt int
		want    Action
	}{
		{"auth first attempt", Signal{StatusCode: 401}, 1, ActionRefreshAndRetry},
		{"auth second attempt", Signal{StatusCode: 401}, 2, ActionAbort},
		{"transient", Signal{StatusCode: 503}, 1, ActionBackoffRetry},
		{"interrupted first", Signal{MidStream: true, Err: errors.New("connection reset")}, 1, ActionRestartStream},
		{"interrupted again", Signal{MidStream: true, Err: errors.New("unexpected EOF")}, 2, ActionAbort},
		{"fatal", Signal{StatusCode: 422}, 1, ActionAbort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.sig, tt.attempt)
			if got.Action != tt.want {
				t.Fatalf("Decide attempt %d = %s, want %s", tt.attempt, got.Action, tt.want)
			}
		})
	}
}

func TestControllerRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	c := &Controller{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
	resp, err := c.Do(context.Background(), func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected 4 calls (3 failures + success), got %d", got)
	}
}

func TestControllerGivesUpAfterBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &Controller{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	resp, err := c.Do(context.Background(), func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	if err != nil {
		t.Fatalf("expected final response, got err %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 surfaced, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls (initial + 2 retries), got %d", got)
	}
}

func TestControllerDoesNotRetryFatal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewController()
	resp, err := c.Do(context.Background(), func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer resp.Body.Close()
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("fatal class must not retry, got %d calls", got)
	}
}

// hintedError mimics a provider error built from a drained throttled
// response, carrying both the status and the retry delay.
type hintedError struct {
	status int
	hint   time.Duration
}

func (e *hintedError) Error() string {
	return fmt.Sprintf("provider returned %d: throttled", e.status)
}

func (e *hintedError) HTTPStatus() int { return e.status }

func (e *hintedError) RetryAfterHint() time.Duration { return e.hint }

func TestControllerHonorsHintCarriedInError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	// Backoff alone would wait seconds; the 1ms hint must win.
	c := &Controller{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 8 * time.Second}
	var calls int32
	start := time.Now()
	resp, err := c.Do(context.Background(), func() (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, &hintedError{status: http.StatusTooManyRequests, hint: time.Millisecond}
		}
		return http.Get(srv.URL)
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	defer resp.Body.Close()
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("hint ignored: waited %v", elapsed)
	}
}

func TestRetryDelayFromDrainedBody(t *testing.T) {
	header := http.Header{"Retry-After": []string{"2"}}
	if got := RetryDelayFrom(header, nil); got != 2*time.Second {
		t.Fatalf("header hint: got %v", got)
	}
	body := []byte(`{"error":{"details":[{"retryDelay":"1.5s"}]}}`)
	if got := RetryDelayFrom(http.Header{}, body); got != 1500*time.Millisecond {
		t.Fatalf("body hint: got %v", got)
	}
	if got := RetryDelayFrom(http.Header{}, []byte("nope")); got != 0 {
		t.Fatalf("no hint: got %v", got)
	}
}

func TestParseRetryDelay(t *testing.T) {
	header := httptest.NewRecorder()
	header.Header().Set("Retry-After", "7")
	resp := header.Result()
	if got := ParseRetryDelay(resp); got != 7*time.Second {
		t.Fatalf("Retry-After header: got %v", got)
	}

	rec := httptest.NewRecorder()
	fmt.Fprint(rec, `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"3.5s"}]}}`)
	resp = rec.Result()
	if got := ParseRetryDelay(resp); got != 3500*time.Millisecond {
		t.Fatalf("structured body: got %v", got)
	}
	// Body must be restored for later reads.
	b := make([]byte, 16)
	if n, _ := resp.Body.Read(b); n == 0 {
		t.Fatal("body not restored after ParseRetryDelay")
	}

	rec = httptest.NewRecorder()
	fmt.Fprint(rec, "plain error")
	if got := ParseRetryDelay(rec.Result()); got != 0 {
		t.Fatalf("no hint should yield 0, got %v", got)
	}
}
