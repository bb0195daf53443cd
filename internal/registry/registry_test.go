package registry

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/stream"
)

type fakeOAuth struct{}

func (fakeOAuth) BeginOAuth(context.Context, string) (*auth.PendingAuth, error) { return nil, nil }
func (fakeOAuth) CompleteOAuth(context.Context, *auth.PendingAuth, string) (*models.Credential, error) {
	return nil, nil
}
func (fakeOAuth) Refresh(context.Context, *models.Credential) (*models.Credential, error) {
	return nil, nil
}

type fakeAPIKey struct{}

func (fakeAPIKey) CreateAPIKeyCredential(string, string) (*models.Credential, error) {
	return nil, nil
}

type fakeStreamer struct{}

func (fakeStreamer) OpenStream(context.Context, *models.Credential, provider.ChatRequest) (*http.Response, error) {
	return nil, nil
}
func (fakeStreamer) Mapping() stream.MappingTable { return stream.MappingTable{} }

type fakeModels struct{}

func (fakeModels) ListModels(context.Context, *models.Credential) ([]provider.Model, error) {
	return nil, nil
}

func fullCaps() provider.Capabilities {
	return provider.Capabilities{
		OAuth:     fakeOAuth{},
		APIKey:    fakeAPIKey{},
		Streaming: fakeStreamer{},
		Models:    fakeModels{},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	if err := r.Register("anthropic", fullCaps()); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := r.OAuth("anthropic"); err != nil {
		t.Fatalf("resolve oauth: %v", err)
	}
	if _, err := r.Streaming("anthropic"); err != nil {
		t.Fatalf("resolve streaming: %v", err)
	}
	if got := r.Providers(); len(got) != 1 || got[0] != "anthropic" {
		t.Fatalf("unexpected provider list: %v", got)
	}
}

func TestRegisterRejectsIncompleteCapabilitySet(t *testing.T) {
	caps := fullCaps()
	caps.Streaming = nil

	r := New()
	err := r.Register("openai", caps)
	if !errors.Is(err, ErrCapabilityNotImplemented) {
		t.Fatalf("expected ErrCapabilityNotImplemented, got %v", err)
	}
	// Failed registration must leave nothing resolvable.
	if r.Has("openai") {
		t.Fatal("provider must not be registered after validation failure")
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New()
	if err := r.Register("gemini", fullCaps()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("gemini", fullCaps()); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestResolveUnknownProvider(t *testing.T) {
	r := New()
	_, err := r.Models("mistral")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}
