package gateway

import (
	"errors"
	"fmt"

	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/store"
)

// Sentinels from the layers below, re-exported so callers match on one
// package.
var (
	ErrUnknownProvider          = registry.ErrUnknownProvider
	ErrCapabilityNotImplemented = registry.ErrCapabilityNotImplemented
	ErrConflict                 = store.ErrConflict
	ErrNotFound                 = store.ErrNotFound
)

// AuthError means the credential is dead after refresh and retry were
// exhausted. Reauth is set when the fix is a fresh login rather than
// waiting.
type AuthError struct {
	Key    string
	Reauth bool
	Err    error
}

func (e *AuthError) Error() string {
	if e.Reauth {
		return fmt.Sprintf("credential %s needs manual re-authentication: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("authentication failed for %s: %v", e.Key, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientNetworkError means the backoff budget was exhausted; the
// operation may succeed later.
type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network failure, retries exhausted: %v", e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// StreamInterruptedError means the stream dropped mid-turn and the
// restart budget was exhausted.
type StreamInterruptedError struct {
	Err error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream interrupted, restart exhausted: %v", e.Err)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Err }

// ValidationError reports a malformed request before any provider call
// is made.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "invalid request: " + e.Msg }

// FatalProviderError wraps an unclassifiable provider response.
type FatalProviderError struct {
	Err error
}

func (e *FatalProviderError) Error() string {
	return fmt.Sprintf("provider error: %v", e.Err)
}

func (e *FatalProviderError) Unwrap() error { return e.Err }

// IsReauthRequired reports whether err calls for a new OAuth login
// rather than a retry.
func IsReauthRequired(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Reauth
}
