package anthropic

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

const (
	apiVersion = "2023-06-01"
	oauthBeta  = "oauth-2025-04-20"
)

// Client streams messages and lists models against the Anthropic API.
type Client struct {
	cfg config.ProviderConfig

	// streamClient carries no timeout; stream lifetime is bounded by
	// the request context.
	streamClient *http.Client
	httpClient   *http.Client
}

// NewClient creates the Anthropic API client.
func NewClient(cfg config.ProviderConfig) *Client {
	return &Client{
		cfg:          cfg,
		streamClient: &http.Client{},
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) setAuthHeaders(req *http.Request, cred *models.Credential, material *auth.SecretMaterial) {
	if cred.AuthType == "api_key" {
		req.Header.Set("x-api-key", material.APIKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+material.AccessToken)
		req.Header.Set("anthropic-beta", oauthBeta)
	}
	req.Header.Set("anthropic-version", apiVersion)
}

// OpenStream starts a streaming messages request and returns the raw
// response. The caller owns the body.
func (c *Client) OpenStream(ctx context.Context, cred *models.Credential, chatReq provider.ChatRequest) (*http.Response, error) {
	material, err := auth.DecodeSecret(cred)
	if err != nil {
		return nil, err
	}

	maxTokens := chatReq.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	payload := map[string]interface{}{
		"model":      chatReq.Model,
		"messages":   chatReq.Messages,
		"max_tokens": maxTokens,
		"stream":     true,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	c.setAuthHeaders(req, cred, material)

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

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(req, cred, material)

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
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	out := make([]provider.Model, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		out = append(out, provider.Model{ID: m.ID, DisplayName: m.DisplayName, Provider: providerName})
	}
	return out, nil
}
