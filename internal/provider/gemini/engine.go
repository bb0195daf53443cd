// Package gemini implements the four gateway capabilities for the
// Gemini backend. Its OAuth flow is the standard Google three-legged
// flow through a local callback listener, with token exchange and
// refresh delegated to golang.org/x/oauth2.
package gemini

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/db/models"
	"golang.org/x/oauth2"
)

const (
	providerName = "gemini"
	callbackPath = "/oauth2callback"
)

// Engine implements OAuth and API-key auth against Google.
type Engine struct {
	cfg     config.ProviderConfig
	client  *Client
	refresh auth.RefreshGroup
}

// NewEngine creates the Gemini auth engine. The client is used to
// discover the cloud project after login; it may be nil in tests.
func NewEngine(cfg config.ProviderConfig, client *Client) *Engine {
	return &Engine{cfg: cfg, client: client}
}

func (e *Engine) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     e.cfg.ClientID,
		ClientSecret: e.cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       e.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  e.cfg.AuthURL,
			TokenURL: e.cfg.TokenURL,
		},
	}
}

// BeginOAuth starts a local callback listener and returns a pending
// flow the caller completes by opening AuthURL and waiting for the
// browser redirect.
func (e *Engine) BeginOAuth(ctx context.Context, name string) (*auth.PendingAuth, error) {
	state := auth.NewState()
	listener, err := auth.StartCallbackListener(e.cfg.CallbackPort, callbackPath, state)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener: %w", err)
	}

	authURL := e.oauthConfig(listener.RedirectURL()).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
	)

	log.Printf("[OAuth] gemini: listening on port %d for the callback", listener.Port())
	return &auth.PendingAuth{
		Mode:        auth.ModeCallbackPending,
		AuthURL:     authURL,
		Name:        name,
		State:       state,
		RedirectURL: listener.RedirectURL(),
		Wait:        listener.Wait,
		Cleanup:     listener.Close,
	}, nil
}

// CompleteOAuth exchanges the callback code for tokens and discovers
// the cloud project the account is onboarded to.
func (e *Engine) CompleteOAuth(ctx context.Context, pending *auth.PendingAuth, authCode string) (*models.Credential, error) {
	tok, err := e.oauthConfig(pending.RedirectURL).Exchange(ctx, authCode)
	if err != nil {
		return nil, fmt.Errorf("gemini token exchange failed: %w", err)
	}

	projectID := ""
	if e.client != nil {
		projectID, err = e.client.DiscoverProject(ctx, tok.AccessToken)
		if err != nil {
			// Streaming still works without a project for most
			// accounts; record the login and let the first call fail
			// loudly if not.
			log.Printf("⚠️ gemini %s: project discovery failed: %v", pending.Name, err)
		}
	}

	return e.buildCredential(pending.Name, tok, projectID)
}

// CreateAPIKeyCredential wraps a raw API key.
func (e *Engine) CreateAPIKeyCredential(name, key string) (*models.Credential, error) {
	if key == "" {
		return nil, fmt.Errorf("api key is empty")
	}
	secret, err := (&auth.SecretMaterial{APIKey: key}).Encode()
	if err != nil {
		return nil, err
	}
	return &models.Credential{
		Provider: providerName,
		AuthType: "api_key",
		Name:     name,
		Secret:   secret,
	}, nil
}

// Refresh obtains a fresh access token via the oauth2 token source.
// Concurrent calls for the same credential share one network round
// trip.
func (e *Engine) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	return e.refresh.Do(cred.Key(), func() (*models.Credential, error) {
		material, err := auth.DecodeSecret(cred)
		if err != nil {
			return nil, err
		}
		if material.RefreshToken == "" {
			return nil, fmt.Errorf("credential %s has no refresh token", cred.Key())
		}

		src := e.oauthConfig(e.cfg.RedirectURL).TokenSource(ctx, &oauth2.Token{
			RefreshToken: material.RefreshToken,
		})
		tok, err := src.Token()
		if err != nil {
			return nil, fmt.Errorf("gemini refresh failed: %w", err)
		}
		if tok.RefreshToken == "" {
			tok.RefreshToken = material.RefreshToken
		}

		refreshed, err := e.buildCredential(cred.Name, tok, material.ProjectID)
		if err != nil {
			return nil, err
		}
		refreshed.ID = cred.ID
		log.Printf("✅ Refreshed gemini token for %s (expires %s)", cred.Name, refreshed.ExpiresAt.Format(time.RFC3339))
		return refreshed, nil
	})
}

func (e *Engine) buildCredential(name string, tok *oauth2.Token, projectID string) (*models.Credential, error) {
	expiry := tok.Expiry.UTC()
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour).UTC()
	}
	secret, err := (&auth.SecretMaterial{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       expiry,
		ProjectID:    projectID,
	}).Encode()
	if err != nil {
		return nil, err
	}
	return &models.Credential{
		Provider:  providerName,
		AuthType:  "oauth",
		Name:      name,
		Secret:    secret,
		ExpiresAt: &expiry,
	}, nil
}
