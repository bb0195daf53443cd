// Package openai implements the four gateway capabilities for the
// OpenAI backend. Its OAuth flow runs a local callback listener, and a
// completed login is classified into personal or enterprise mode from
// the id_token; enterprise accounts get an additional RFC 8693 token
// exchange for an API-surface token.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/db/models"
	"golang.org/x/oauth2"
)

const (
	providerName = "openai"
	callbackPath = "/auth/callback"

	tokenExchangeGrant = "urn:ietf:params:oauth:grant-type:token-exchange"
	idTokenType        = "urn:ietf:params:oauth:token-type:id_token"
	accessTokenType    = "urn:ietf:params:oauth:token-type:access_token"
)

// Engine implements OAuth and API-key auth against OpenAI.
type Engine struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
	refresh    auth.RefreshGroup
}

// NewEngine creates the OpenAI auth engine.
func NewEngine(cfg config.ProviderConfig) *Engine {
	return &Engine{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
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

	verifier := oauth2.GenerateVerifier()
	oauthCfg := &oauth2.Config{
		ClientID:    e.cfg.ClientID,
		RedirectURL: listener.RedirectURL(),
		Scopes:      e.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  e.cfg.AuthURL,
			TokenURL: e.cfg.TokenURL,
		},
	}
	authURL := oauthCfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("id_token_add_organizations", "true"),
	)

	log.Printf("[OAuth] openai: listening on port %d for the callback", listener.Port())
	return &auth.PendingAuth{
		Mode:        auth.ModeCallbackPending,
		AuthURL:     authURL,
		Name:        name,
		State:       state,
		Verifier:    verifier,
		RedirectURL: listener.RedirectURL(),
		Wait:        listener.Wait,
		Cleanup:     listener.Close,
	}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// CompleteOAuth exchanges the callback code for tokens and classifies
// the account. An unrecognized or missing plan type defaults to
// enterprise mode with a logged warning.
func (e *Engine) CompleteOAuth(ctx context.Context, pending *auth.PendingAuth, authCode string) (*models.Credential, error) {
	tok, err := e.tokenCall(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {authCode},
		"client_id":     {e.cfg.ClientID},
		"redirect_uri":  {pending.RedirectURL},
		"code_verifier": {pending.Verifier},
	})
	if err != nil {
		return nil, fmt.Errorf("openai token exchange failed: %w", err)
	}

	mode, enterpriseToken, err := e.classifyAndExchange(ctx, pending.Name, tok)
	if err != nil {
		return nil, err
	}

	return e.buildCredential(pending.Name, tok, mode, enterpriseToken)
}

// classifyAndExchange inspects the id_token to pick the account mode
// and, for enterprise accounts, performs the token exchange for the
// enterprise API surface.
func (e *Engine) classifyAndExchange(ctx context.Context, name string, tok *tokenResponse) (mode, enterpriseToken string, err error) {
	var claims *idTokenClaims
	if tok.IDToken != "" {
		claims, err = parseIDClaims(tok.IDToken)
		if err != nil {
			log.Printf("⚠️ openai %s: undecodable id_token, defaulting to enterprise mode: %v", name, err)
			claims = nil
		}
	}

	mode, ambiguous := classifyAccountMode(claims)
	if ambiguous {
		plan := "<none>"
		if claims != nil && claims.OpenAI.ChatGPTPlanType != "" {
			plan = claims.OpenAI.ChatGPTPlanType
		}
		log.Printf("⚠️ openai %s: plan type %q not recognized, defaulting to enterprise mode", name, plan)
	}
	if mode != auth.AccountModeEnterprise {
		return mode, "", nil
	}

	exchanged, err := e.tokenCall(ctx, url.Values{
		"grant_type":           {tokenExchangeGrant},
		"client_id":            {e.cfg.ClientID},
		"subject_token":        {tok.IDToken},
		"subject_token_type":   {idTokenType},
		"requested_token_type": {accessTokenType},
	})
	if err != nil {
		return "", "", fmt.Errorf("enterprise token exchange failed: %w", err)
	}
	return mode, exchanged.AccessToken, nil
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

// Refresh exchanges the refresh token for new tokens, keeping the
// credential's account mode and re-deriving the enterprise token when
// the mode calls for one. Concurrent calls for the same credential
// share one network round trip.
func (e *Engine) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	return e.refresh.Do(cred.Key(), func() (*models.Credential, error) {
		material, err := auth.DecodeSecret(cred)
		if err != nil {
			return nil, err
		}
		if material.RefreshToken == "" {
			return nil, fmt.Errorf("credential %s has no refresh token", cred.Key())
		}

		tok, err := e.tokenCall(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {material.RefreshToken},
			"client_id":     {e.cfg.ClientID},
			"scope":         {strings.Join(e.cfg.Scopes, " ")},
		})
		if err != nil {
			return nil, fmt.Errorf("openai refresh failed: %w", err)
		}
		if tok.RefreshToken == "" {
			tok.RefreshToken = material.RefreshToken
		}
		if tok.IDToken == "" {
			tok.IDToken = material.IDToken
		}

		enterpriseToken := material.EnterpriseToken
		if cred.AccountMode == auth.AccountModeEnterprise && tok.IDToken != "" {
			exchanged, err := e.tokenCall(ctx, url.Values{
				"grant_type":           {tokenExchangeGrant},
				"client_id":            {e.cfg.ClientID},
				"subject_token":        {tok.IDToken},
				"subject_token_type":   {idTokenType},
				"requested_token_type": {accessTokenType},
			})
			if err != nil {
				return nil, fmt.Errorf("enterprise token exchange failed during refresh: %w", err)
			}
			enterpriseToken = exchanged.AccessToken
		}

		refreshed, err := e.buildCredential(cred.Name, tok, cred.AccountMode, enterpriseToken)
		if err != nil {
			return nil, err
		}
		refreshed.ID = cred.ID
		log.Printf("✅ Refreshed openai token for %s (expires %s)", cred.Name, refreshed.ExpiresAt.Format(time.RFC3339))
		return refreshed, nil
	})
}

func (e *Engine) tokenCall(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &tok, nil
}

func (e *Engine) buildCredential(name string, tok *tokenResponse, mode, enterpriseToken string) (*models.Credential, error) {
	expiry := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
	secret, err := (&auth.SecretMaterial{
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		IDToken:         tok.IDToken,
		TokenType:       tok.TokenType,
		Expiry:          expiry,
		EnterpriseToken: enterpriseToken,
	}).Encode()
	if err != nil {
		return nil, err
	}
	return &models.Credential{
		Provider:    providerName,
		AuthType:    "oauth",
		Name:        name,
		Secret:      secret,
		ExpiresAt:   &expiry,
		AccountMode: mode,
	}, nil
}
