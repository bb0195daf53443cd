package retry

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"time"
)

const (
	// DefaultMaxAttempts bounds transient-network retries.
	DefaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 8 * time.Second
)

// Controller retries transient-network failures with capped, jittered
// exponential backoff. Auth and stream-interruption recovery are
// composed above it by the gateway, since they need a credential
// refresh or a fresh stream, not a bare re-call.
type Controller struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewController creates a controller with the default retry budget.
func NewController() *Controller {
	return &Controller{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

// Do invokes op, retrying while the failure classifies as
// transient_network, up to MaxAttempts retries. A response with a
// retriable status is drained and closed before the next attempt.
// Retry-After hints from the provider override the computed backoff.
func (c *Controller) Do(ctx context.Context, op func() (*http.Response, error)) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; ; attempt++ {
		resp, err = op()

		sig := Signal{Err: err}
		if resp != nil {
			sig.StatusCode = resp.StatusCode
		}
		if err == nil && resp != nil && resp.StatusCode < 400 {
			return resp, nil
		}
		if Classify(sig) != ClassTransientNetwork || attempt >= c.MaxAttempts {
			return resp, err
		}

		delay := c.backoff(attempt)
		if resp != nil {
			if hint := ParseRetryDelay(resp); hint > 0 {
				delay = hint
			}
			resp.Body.Close()
		} else if hint := hintFromError(err); hint > 0 {
			delay = hint
		}
		log.Printf("⏳ Transient failure (attempt %d/%d), retrying in %s", attempt+1, c.MaxAttempts, delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// retryHinter lets errors built from an already-drained throttled
// response carry the provider's retry delay into the controller.
type retryHinter interface {
	RetryAfterHint() time.Duration
}

func hintFromError(err error) time.Duration {
	var rh retryHinter
	if errors.As(err, &rh) {
		return rh.RetryAfterHint()
	}
	return 0
}

// backoff computes the jittered exponential delay for an attempt.
func (c *Controller) backoff(attempt int) time.Duration {
	delay := c.BaseDelay << uint(attempt)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	// Jitter in [delay/2, delay) so synchronized callers fan out.
	return delay/2 + time.Duration(rand.Int63n(int64(delay/2)))
}
