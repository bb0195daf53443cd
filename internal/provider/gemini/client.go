package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/modelgate/modelgate/internal/provider"
)

// clientMetadata identifies the calling surface to the Cloud Code API.
var clientMetadata = map[string]string{
	"ideType":    "IDE_UNSPECIFIED",
	"platform":   "PLATFORM_UNSPECIFIED",
	"pluginType": "GEMINI",
}

// Client streams generations and lists models against the Gemini Cloud
// Code API.
type Client struct {
	cfg          config.ProviderConfig
	streamClient *http.Client
	httpClient   *http.Client
}

// NewClient creates the Gemini API client.
func NewClient(cfg config.ProviderConfig) *Client {
	return &Client{
		cfg:          cfg,
		streamClient: &http.Client{},
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte, bearer string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	meta, _ := json.Marshal(clientMetadata)
	req.Header.Set("Client-Metadata", string(meta))
	return req, nil
}

// DiscoverProject asks the Cloud Code API which cloud project the
// account is onboarded to.
func (c *Client) DiscoverProject(ctx context.Context, accessToken string) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{"metadata": clientMetadata})
	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.BaseURL+":loadCodeAssist", body, accessToken)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("loadCodeAssist returned %d: %s", resp.StatusCode, respBody)
	}

	var parsed struct {
		Project json.RawMessage `json:"cloudaicompanionProject"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", err
	}

	// The field is a bare string or an object with an id, depending on
	// onboarding state.
	var projectID string
	if err := json.Unmarshal(parsed.Project, &projectID); err == nil && projectID != "" {
		return projectID, nil
	}
	var projectObj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(parsed.Project, &projectObj); err == nil && projectObj.ID != "" {
		return projectObj.ID, nil
	}
	return "", fmt.Errorf("no cloudaicompanionProject in response")
}

// OpenStream starts a streaming generation and returns the raw
// response. The caller owns the body.
func (c *Client) OpenStream(ctx context.Context, cred *models.Credential, chatReq provider.ChatRequest) (*http.Response, error) {
	material, err := auth.DecodeSecret(cred)
	if err != nil {
		return nil, err
	}

	contents := make([]map[string]interface{}, 0, len(chatReq.Messages))
	for _, m := range chatReq.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]interface{}{
			"role":  role,
			"parts": []map[string]string{{"text": m.Content}},
		})
	}

	request := map[string]interface{}{"contents": contents}
	if chatReq.MaxTokens > 0 {
		request["generationConfig"] = map[string]int{"maxOutputTokens": chatReq.MaxTokens}
	}
	payload := map[string]interface{}{
		"model":     chatReq.Model,
		"project":   material.ProjectID,
		"requestId": "agent-" + uuid.New().String(),
		"request":   request,
	}
	body, _ := json.Marshal(payload)

	bearer := material.AccessToken
	if cred.AuthType == "api_key" {
		bearer = material.APIKey
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.BaseURL+":streamGenerateContent?alt=sse", body, bearer)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

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
	bearer := material.AccessToken
	if cred.AuthType == "api_key" {
		bearer = material.APIKey
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.BaseURL+":fetchAvailableModels", []byte("{}"), bearer)
	if err != nil {
		return nil, err
	}

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
		Models []struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	out := make([]provider.Model, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		out = append(out, provider.Model{ID: m.Name, DisplayName: m.DisplayName, Provider: providerName})
	}
	return out, nil
}
