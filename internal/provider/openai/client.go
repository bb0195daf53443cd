package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/modelgate/modelgate/internal/provider"
)

// Client streams chat completions and lists models against the OpenAI
// API. Personal-mode OAuth credentials hit the ChatGPT backend base
// URL; enterprise-mode and api_key credentials hit the platform API.
type Client struct {
	cfg          config.ProviderConfig
	streamClient *http.Client
	httpClient   *http.Client
}

// NewClient creates the OpenAI API client.
func NewClient(cfg config.ProviderConfig) *Client {
	return &Client{
		cfg:          cfg,
		streamClient: &http.Client{},
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// endpoint picks the base URL and bearer token for the credential's
// mode.
func (c *Client) endpoint(cred *models.Credential, material *auth.SecretMaterial) (base, bearer string) {
	switch {
	case cred.AuthType == "api_key":
		return c.cfg.BaseURL, material.APIKey
	case cred.AccountMode == auth.AccountModeEnterprise:
		base = c.cfg.EnterpriseBaseURL
		if base == "" {
			base = c.cfg.BaseURL
		}
		bearer = material.EnterpriseToken
		if bearer == "" {
			bearer = material.AccessToken
		}
		return base, bearer
	default:
		return c.cfg.BaseURL, material.AccessToken
	}
}

// OpenStream starts a streaming chat completion and returns the raw
// response. The caller owns the body.
func (c *Client) OpenStream(ctx context.Context, cred *models.Credential, chatReq provider.ChatRequest) (*http.Response, error) {
	material, err := auth.DecodeSecret(cred)
	if err != nil {
		return nil, err
	}
	base, bearer := c.endpoint(cred, material)

	payload := map[string]interface{}{
		"model":    chatReq.Model,
		"messages": chatReq.Messages,
		"stream":   true,
		"stream_options": map[string]bool{
			"include_usage": true,
		},
	}
	if chatReq.MaxTokens > 0 {
		payload["max_tokens"] = chatReq.MaxTokens
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, provider.NewHTTPError(resp, respBody)
	}
	return resp, nil
}

// ListModels fetches the model catalog.
func (c *Client) ListModels(ctx context.Context, cred *models.Credential) ([]provider.Model, error) {
	material, err := auth.DecodeSecret(cred)
	if err != nil {
		return nil, err
	}
	base, bearer := c.endpoint(cred, material)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.NewHTTPError(resp, respBody)
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	out := make([]provider.Model, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		out = append(out, provider.Model{ID: m.ID, DisplayName: m.ID, Provider: providerName})
	}
	return out, nil
}
