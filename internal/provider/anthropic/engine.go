// Package anthropic implements the four gateway capabilities for the
// Anthropic backend. Its OAuth flow is manual-code style: the caller
// visits the authorization URL out-of-band and pastes the returned
// code back, so no local listener is started.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/db/models"
	"golang.org/x/oauth2"
)

const providerName = "anthropic"

// Engine implements OAuth and API-key auth against Anthropic.
type Engine struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
	refresh    auth.RefreshGroup
}

// NewEngine creates the Anthropic auth engine.
func NewEngine(cfg config.ProviderConfig) *Engine {
	return &Engine{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *Engine) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    e.cfg.ClientID,
		RedirectURL: e.cfg.RedirectURL,
		Scopes:      e.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  e.cfg.AuthURL,
			TokenURL: e.cfg.TokenURL,
		},
	}
}

// BeginOAuth generates a PKCE authorization URL. The returned pending
// state is manual-code: the caller supplies the pasted code directly
// to CompleteOAuth.
func (e *Engine) BeginOAuth(ctx context.Context, name string) (*auth.PendingAuth, error) {
	state := auth.NewState()
	verifier := oauth2.GenerateVerifier()

	url := e.oauthConfig().AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("code", "true"),
	)

	log.Printf("[OAuth] anthropic: visit %s and paste the code", url)
	return &auth.PendingAuth{
		Mode:        auth.ModeManualCode,
		AuthURL:     url,
		Name:        name,
		State:       state,
		Verifier:    verifier,
		RedirectURL: e.cfg.RedirectURL,
	}, nil
}

// tokenResponse is Anthropic's OAuth token payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// CompleteOAuth exchanges the pasted code for tokens. The pasted value
// has the form "code#state"; the state half must match the pending
// flow.
func (e *Engine) CompleteOAuth(ctx context.Context, pending *auth.PendingAuth, authCode string) (*models.Credential, error) {
	code := authCode
	if idx := strings.Index(authCode, "#"); idx >= 0 {
		code = authCode[:idx]
		if state := authCode[idx+1:]; state != pending.State {
			return nil, fmt.Errorf("invalid state token in pasted code")
		}
	}

	tok, err := e.tokenCall(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"state":         pending.State,
		"client_id":     e.cfg.ClientID,
		"redirect_uri":  e.cfg.RedirectURL,
		"code_verifier": pending.Verifier,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic token exchange failed: %w", err)
	}

	return e.buildCredential(pending.Name, tok)
}

// CreateAPIKeyCredential wraps a raw API key. API keys carry no expiry.
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

// Refresh exchanges the refresh token for a new access token. Calls
// for the same credential are serialized; concurrent callers share the
// single in-flight result.
func (e *Engine) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	return e.refresh.Do(cred.Key(), func() (*models.Credential, error) {
		material, err := auth.DecodeSecret(cred)
		if err != nil {
			return nil, err
		}
		if material.RefreshToken == "" {
			return nil, fmt.Errorf("credential %s has no refresh token", cred.Key())
		}

		tok, err := e.tokenCall(ctx, map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": material.RefreshToken,
			"client_id":     e.cfg.ClientID,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic refresh failed: %w", err)
		}

		// Persist rotated refresh token if provided (RFC 6749).
		if tok.RefreshToken == "" {
			tok.RefreshToken = material.RefreshToken
		}
		refreshed, err := e.buildCredential(cred.Name, tok)
		if err != nil {
			return nil, err
		}
		refreshed.ID = cred.ID
		log.Printf("✅ Refreshed anthropic token for %s (expires %s)", cred.Name, refreshed.ExpiresAt.Format(time.RFC3339))
		return refreshed, nil
	})
}

// tokenCall posts a JSON body to the token endpoint; Anthropic's OAuth
// endpoint speaks JSON rather than form encoding.
func (e *Engine) tokenCall(ctx context.Context, params map[string]string) (*tokenResponse, error) {
	body, _ := json.Marshal(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	var tok tokenResponse
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &tok, nil
}

func (e *Engine) buildCredential(name string, tok *tokenResponse) (*models.Credential, error) {
	expiry := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
	secret, err := (&auth.SecretMaterial{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       expiry,
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
