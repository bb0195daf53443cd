// Package retry classifies provider failures and drives the recovery
// policy: refresh-and-retry for auth failures, jittered backoff for
// transient ones, turn restart for interrupted streams, immediate
// surfacing for everything else.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Class is the failure classification. Every provider error maps to
// exactly one class.
type Class string

const (
	ClassAuth              Class = "auth"
	ClassTransientNetwork  Class = "transient_network"
	ClassStreamInterrupted Class = "stream_interrupted"
	ClassFatal             Class = "fatal"
)

// Action is what the recovery controller does for a class.
type Action string

const (
	ActionRefreshAndRetry Action = "refresh_and_retry"
	ActionBackoffRetry    Action = "backoff_retry"
	ActionRestartStream   Action = "restart_stream"
	ActionAbort           Action = "abort"
)

// Decision pairs a classification with the action to take on a given
// attempt. Transient values, never persisted.
type Decision struct {
	Class   Class
	Action  Action
	Attempt int
}

// Signal describes one failed provider operation: the HTTP status if a
// response was received, the transport error otherwise, and whether
// canonical events had already been delivered when it happened.
type Signal struct {
	StatusCode int
	Err        error
	MidStream  bool
}

// authMarkers are provider error strings that mean the credential is
// dead and a refresh (or re-login) is required, not a retry.
var authMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"invalid_token",
	"token has been expired or revoked",
	"revoked",
}

var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"temporarily_unavailable",
	"unexpected eof",
}

// statusCoder lets wrapped HTTP errors carry their status into
// classification without a dependency on the error's package.
type statusCoder interface {
	HTTPStatus() int
}

// Classify maps an error signal to exactly one class. It is a pure
// function: same signal, same class, no hidden state.
func Classify(sig Signal) Class {
	if sig.StatusCode == 0 && sig.Err != nil {
		var sc statusCoder
		if errors.As(sig.Err, &sc) {
			sig.StatusCode = sc.HTTPStatus()
		}
	}
	if sig.StatusCode == http.StatusUnauthorized || sig.StatusCode == http.StatusForbidden {
		return ClassAuth
	}
	if sig.Err != nil && hasMarker(sig.Err, authMarkers) {
		return ClassAuth
	}

	if sig.MidStream {
		// The connection dropped after partial events were delivered.
		if sig.Err != nil {
			return ClassStreamInterrupted
		}
	}

	if sig.StatusCode == http.StatusTooManyRequests || sig.StatusCode >= 500 {
		return ClassTransientNetwork
	}
	if sig.Err != nil {
		if errors.Is(sig.Err, context.DeadlineExceeded) {
			return ClassTransientNetwork
		}
		var netErr net.Error
		if errors.As(sig.Err, &netErr) && netErr.Timeout() {
			return ClassTransientNetwork
		}
		if hasMarker(sig.Err, transientMarkers) {
			return ClassTransientNetwork
		}
	}

	return ClassFatal
}

// Decide returns the recovery decision for a signal on the given
// attempt number (1-based).
func Decide(sig Signal, attempt int) Decision {
	class := Classify(sig)
	d := Decision{Class: class, Attempt: attempt}
	switch class {
	case ClassAuth:
		// One refresh-and-retry; a second auth failure is final.
		if attempt <= 1 {
			d.Action = ActionRefreshAndRetry
		} else {
			d.Action = ActionAbort
		}
	case ClassTransientNetwork:
		d.Action = ActionBackoffRetry
	case ClassStreamInterrupted:
		// None of the supported wire protocols carries a resumption
		// token, so the whole turn is restarted and prior partial
		// content marked superseded.
		if attempt <= 1 {
			d.Action = ActionRestartStream
		} else {
			d.Action = ActionAbort
		}
	default:
		d.Action = ActionAbort
	}
	return d
}

func hasMarker(err error, markers []string) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
