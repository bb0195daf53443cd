// Package provider defines the capability contracts every LLM backend
// implements. A provider registers one implementation per capability
// (oauth, api_key, streaming, models); adding a backend means
// registering a new set of four, nothing else changes.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/modelgate/modelgate/internal/retry"
	"github.com/modelgate/modelgate/internal/stream"
	"github.com/modelgate/modelgate/internal/util"
)

// Message is one chat turn in a provider-agnostic shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-agnostic streaming chat request.
type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Model describes one model offered by a provider.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Provider    string `json:"provider"`
}

// OAuthFlow is the oauth capability: beginning and completing an
// authorization flow, and refreshing the resulting credential.
type OAuthFlow interface {
	BeginOAuth(ctx context.Context, name string) (*auth.PendingAuth, error)
	CompleteOAuth(ctx context.Context, pending *auth.PendingAuth, authCode string) (*models.Credential, error)
	Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error)
}

// APIKeyFlow is the api_key capability: wrapping a raw key into a
// credential.
type APIKeyFlow interface {
	CreateAPIKeyCredential(name, key string) (*models.Credential, error)
}

// Streamer is the streaming capability: issuing the provider HTTP call
// and supplying the mapping table that turns its wire format into
// canonical events.
type Streamer interface {
	OpenStream(ctx context.Context, cred *models.Credential, req ChatRequest) (*http.Response, error)
	Mapping() stream.MappingTable
}

// ModelLister is the models capability.
type ModelLister interface {
	ListModels(ctx context.Context, cred *models.Credential) ([]Model, error)
}

// HTTPError reports a non-2xx provider response with enough detail
// for the retry layer to classify it and honor any throttle hint.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

// NewHTTPError builds an HTTPError from a non-2xx response whose body
// has already been drained, capturing the Retry-After header or the
// structured retryDelay the provider attached.
func NewHTTPError(resp *http.Response, body []byte) *HTTPError {
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		RetryAfter: retry.RetryDelayFrom(resp.Header, body),
	}
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, util.TruncateLog(e.Body, util.DefaultLogMaxLen))
}

// HTTPStatus exposes the status code to the retry classifier.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// RetryAfterHint exposes the provider's retry delay to the retry
// controller. Zero means no hint was present.
func (e *HTTPError) RetryAfterHint() time.Duration { return e.RetryAfter }

// Capabilities bundles the four capability implementations one
// provider registers.
type Capabilities struct {
	OAuth     OAuthFlow
	APIKey    APIKeyFlow
	Streaming Streamer
	Models    ModelLister
}
