// Package auth defines the contract every provider authentication
// engine implements, plus the shared pieces of the OAuth machinery:
// the pending-flow variant, secret material encoding, the local
// callback listener, and per-credential refresh serialization.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelgate/modelgate/internal/db/models"
)

// Account modes for providers that split into distinct downstream
// backends after classification (OpenAI).
const (
	AccountModePersonal   = "personal"
	AccountModeEnterprise = "enterprise"
)

// SecretMaterial is the plaintext secret set held inside a sealed
// Credential. It never crosses the gateway process boundary.
type SecretMaterial struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	APIKey       string    `json:"api_key,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`

	// EnterpriseToken is the bearer obtained via RFC 8693 token
	// exchange for OpenAI enterprise accounts.
	EnterpriseToken string `json:"enterprise_token,omitempty"`
	// ProjectID is the cloud project bound to a Gemini credential.
	ProjectID string `json:"project_id,omitempty"`
}

// Encode serializes secret material for storage (the store seals it).
func (m *SecretMaterial) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode secret material: %w", err)
	}
	return data, nil
}

// DecodeSecret parses the plaintext secret of a credential.
func DecodeSecret(cred *models.Credential) (*SecretMaterial, error) {
	var m SecretMaterial
	if err := json.Unmarshal(cred.Secret, &m); err != nil {
		return nil, fmt.Errorf("failed to decode secret material for %s: %w", cred.Key(), err)
	}
	return &m, nil
}

// PendingMode tags the two OAuth control-flow shapes.
type PendingMode string

const (
	// ModeManualCode: the caller visits AuthURL out-of-band and
	// supplies the returned code directly. No local listener.
	ModeManualCode PendingMode = "manual_code"
	// ModeCallbackPending: a local listener receives the code; the
	// caller blocks on Wait. No timeout, the flow is interactive.
	ModeCallbackPending PendingMode = "callback_pending"
)

// PendingAuth is the tagged variant returned by BeginOAuth. Callers
// branch on Mode, never on provider identity.
type PendingAuth struct {
	Mode    PendingMode
	AuthURL string
	Name    string

	// State is the CSRF token baked into AuthURL.
	State string
	// Verifier is the PKCE code verifier for the token exchange.
	Verifier string
	// RedirectURL is the redirect actually baked into AuthURL; for
	// callback flows it carries the port the listener bound.
	RedirectURL string

	// Wait blocks until the authorization code arrives on the local
	// listener. Nil for ModeManualCode.
	Wait func(ctx context.Context) (code string, err error)
	// Cleanup shuts the listener down. Nil for ModeManualCode.
	Cleanup func()
}

// Engine is the per-provider authentication contract. Refresh must be
// safe to call concurrently for the same credential: implementations
// serialize so one network call serves all concurrent callers.
type Engine interface {
	BeginOAuth(ctx context.Context, name string) (*PendingAuth, error)
	CompleteOAuth(ctx context.Context, pending *PendingAuth, authCode string) (*models.Credential, error)
	CreateAPIKeyCredential(name, key string) (*models.Credential, error)
	Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error)
}
