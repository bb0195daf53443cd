// Package gateway is the facade composing the registry, credential
// store, auth engines, streaming adapter and retry policy into five
// public operations. Everything above this package (HTTP surface, CLI)
// is rendering; everything below is a capability.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/retry"
	"github.com/modelgate/modelgate/internal/store"
)

// Gateway exposes the five public operations. All dependencies are
// injected; there is no package-global state.
type Gateway struct {
	registry *registry.Registry
	store    *store.Store
	retry    *retry.Controller
}

// New creates a gateway over the given registry and store.
func New(reg *registry.Registry, st *store.Store) *Gateway {
	return &Gateway{
		registry: reg,
		store:    st,
		retry:    retry.NewController(),
	}
}

// SessionOptions configures CreateSession.
type SessionOptions struct {
	// Name labels the credential; multiple sessions per provider and
	// auth type are distinguished by name.
	Name string
	// APIKey is the raw key for auth type api_key.
	APIKey string
	// Overwrite replaces an existing credential under the same name
	// instead of returning ErrConflict.
	Overwrite bool

	// PromptCode supplies the pasted authorization code for
	// manual-code OAuth flows. Required for providers using that
	// shape.
	PromptCode func(ctx context.Context, authURL string) (string, error)
	// OpenURL is called with the authorization URL for callback
	// flows, typically to open a browser. Optional; the URL is always
	// logged.
	OpenURL func(authURL string)
}

// CreateSession establishes a named credential: for api_key it wraps
// the key, for oauth it runs the provider's full login flow. The
// returned session id is the credential name.
func (g *Gateway) CreateSession(ctx context.Context, providerName, authType string, opts SessionOptions) (string, error) {
	if opts.Name == "" {
		return "", &ValidationError{Msg: "session name is required"}
	}

	switch authType {
	case "api_key":
		flow, err := g.registry.APIKey(providerName)
		if err != nil {
			return "", err
		}
		cred, err := flow.CreateAPIKeyCredential(opts.Name, opts.APIKey)
		if err != nil {
			return "", &ValidationError{Msg: err.Error()}
		}
		if err := g.store.Put(cred, opts.Overwrite); err != nil {
			return "", err
		}
		return opts.Name, nil

	case "oauth":
		engine, err := g.registry.OAuth(providerName)
		if err != nil {
			return "", err
		}
		cred, err := g.runOAuthFlow(ctx, engine, providerName, opts)
		if err != nil {
			return "", err
		}
		if err := g.store.Put(cred, opts.Overwrite); err != nil {
			return "", err
		}
		return opts.Name, nil

	default:
		return "", &ValidationError{Msg: fmt.Sprintf("unknown auth type %q", authType)}
	}
}

// runOAuthFlow drives the tagged pending-auth variant to a credential.
func (g *Gateway) runOAuthFlow(ctx context.Context, engine provider.OAuthFlow, providerName string, opts SessionOptions) (*models.Credential, error) {
	pending, err := engine.BeginOAuth(ctx, opts.Name)
	if err != nil {
		return nil, &AuthError{Key: providerName + "/oauth/" + opts.Name, Err: err}
	}
	if pending.Cleanup != nil {
		defer pending.Cleanup()
	}

	var code string
	switch pending.Mode {
	case auth.ModeManualCode:
		if opts.PromptCode == nil {
			return nil, &ValidationError{Msg: providerName + " requires a pasted authorization code (PromptCode not set)"}
		}
		code, err = opts.PromptCode(ctx, pending.AuthURL)
	case auth.ModeCallbackPending:
		if opts.OpenURL != nil {
			opts.OpenURL(pending.AuthURL)
		}
		log.Printf("[OAuth] %s: waiting for browser login at %s", providerName, pending.AuthURL)
		code, err = pending.Wait(ctx)
	default:
		return nil, &FatalProviderError{Err: fmt.Errorf("unknown pending auth mode %q", pending.Mode)}
	}
	if err != nil {
		return nil, &AuthError{Key: providerName + "/oauth/" + opts.Name, Err: err}
	}

	cred, err := engine.CompleteOAuth(ctx, pending, code)
	if err != nil {
		return nil, &AuthError{Key: providerName + "/oauth/" + opts.Name, Err: err}
	}
	return cred, nil
}

// DeleteSession removes the credential. Deleting a missing session is
// not an error.
func (g *Gateway) DeleteSession(ctx context.Context, providerName, authType, sessionID string) error {
	if !g.registry.Has(providerName) {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}
	return g.store.Delete(providerName, authType, sessionID)
}

// RefreshTokens forces a refresh of the session's OAuth credential and
// persists the result.
func (g *Gateway) RefreshTokens(ctx context.Context, providerName, sessionID string) (*models.Credential, error) {
	engine, err := g.registry.OAuth(providerName)
	if err != nil {
		return nil, err
	}
	cred, err := g.store.Get(providerName, "oauth", sessionID)
	if err != nil {
		return nil, err
	}

	refreshed, err := engine.Refresh(ctx, cred)
	if err != nil {
		if recordErr := g.store.RecordRefreshFailure(cred.Provider, cred.AuthType, cred.Name, 0); recordErr != nil {
			log.Printf("⚠️ failed to record refresh failure for %s: %v", cred.Key(), recordErr)
		}
		return nil, &AuthError{Key: cred.Key(), Err: err}
	}
	if err := g.store.Put(refreshed, true); err != nil {
		return nil, err
	}
	if err := g.store.RecordRefreshSuccess(cred.Provider, cred.AuthType, cred.Name); err != nil {
		log.Printf("⚠️ failed to record refresh success for %s: %v", cred.Key(), err)
	}
	return refreshed, nil
}

// ListModels returns the provider's model catalog using the session's
// credential, refreshing once on an auth failure.
func (g *Gateway) ListModels(ctx context.Context, providerName, authType, sessionID string) ([]provider.Model, error) {
	lister, err := g.registry.Models(providerName)
	if err != nil {
		return nil, err
	}
	cred, err := g.resolveCredential(providerName, authType, sessionID)
	if err != nil {
		return nil, err
	}

	out, err := lister.ListModels(ctx, cred)
	if err == nil {
		return out, nil
	}

	sig := signalFor(err, false)
	switch retry.Classify(sig) {
	case retry.ClassAuth:
		cred, refreshErr := g.refreshForRetry(ctx, providerName, cred)
		if refreshErr != nil {
			return nil, refreshErr
		}
		out, err = lister.ListModels(ctx, cred)
		if err != nil {
			return nil, &AuthError{Key: cred.Key(), Err: err}
		}
		return out, nil
	case retry.ClassTransientNetwork:
		return nil, &TransientNetworkError{Err: err}
	default:
		return nil, &FatalProviderError{Err: err}
	}
}

// resolveCredential loads a usable credential for the session. A
// credential flagged needs_manual_reauth is surfaced as an actionable
// auth error instead of being used.
func (g *Gateway) resolveCredential(providerName, authType, sessionID string) (*models.Credential, error) {
	cred, err := g.store.Get(providerName, authType, sessionID)
	if err != nil {
		return nil, err
	}
	if cred.Status == models.StatusNeedsManualReauth {
		return nil, &AuthError{
			Key:    cred.Key(),
			Reauth: true,
			Err:    errors.New("refresh failed repeatedly, run the login flow again"),
		}
	}
	return cred, nil
}

// findSessionCredential locates the credential for StreamChat, which
// addresses sessions without an auth type: oauth wins over api_key
// when both exist under the same name.
func (g *Gateway) findSessionCredential(providerName, sessionID string) (*models.Credential, error) {
	cred, err := g.resolveCredential(providerName, "oauth", sessionID)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return cred, err
	}
	return g.resolveCredential(providerName, "api_key", sessionID)
}

// refreshForRetry refreshes a credential after an auth-classified
// failure and persists the result, so the retried call and later
// sessions see the new tokens.
func (g *Gateway) refreshForRetry(ctx context.Context, providerName string, cred *models.Credential) (*models.Credential, error) {
	if cred.AuthType != "oauth" {
		// API keys cannot be refreshed; the failure is final.
		return nil, &AuthError{Key: cred.Key(), Reauth: true, Err: errors.New("api key rejected")}
	}
	engine, err := g.registry.OAuth(providerName)
	if err != nil {
		return nil, err
	}
	refreshed, err := engine.Refresh(ctx, cred)
	if err != nil {
		return nil, &AuthError{Key: cred.Key(), Err: err}
	}
	if err := g.store.Put(refreshed, true); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// ensureFresh refreshes the credential up front when it is already
// expired, saving a guaranteed 401 round trip.
func (g *Gateway) ensureFresh(ctx context.Context, providerName string, cred *models.Credential) (*models.Credential, error) {
	if cred.AuthType != "oauth" || cred.ExpiresAt == nil || time.Now().Before(*cred.ExpiresAt) {
		return cred, nil
	}
	log.Printf("🔄 Token for %s expired, refreshing before use", cred.Key())
	return g.refreshForRetry(ctx, providerName, cred)
}

// signalFor builds a retry signal from an operation error.
func signalFor(err error, midStream bool) retry.Signal {
	return retry.Signal{Err: err, MidStream: midStream}
}
