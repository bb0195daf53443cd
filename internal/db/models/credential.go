package models

import "time"

// Credential statuses. Expired or broken credentials are never
// silently deleted; they stay visible for diagnostics.
const (
	StatusActive            = "active"
	StatusNeedsManualReauth = "needs_manual_reauth"
)

// Credential stores one named secret set for an LLM provider.
// (Provider, AuthType, Name) is globally unique.
type Credential struct {
	ID       string `gorm:"primaryKey"` // UUID
	Provider string `gorm:"uniqueIndex:idx_provider_auth_name"` // anthropic | openai | gemini
	AuthType string `gorm:"uniqueIndex:idx_provider_auth_name"` // oauth | api_key
	Name     string `gorm:"uniqueIndex:idx_provider_auth_name"` // user-chosen label

	// Secret is the AEAD-sealed secret material. Plaintext never
	// reaches the database.
	Secret []byte

	ExpiresAt   *time.Time
	AccountMode string // "", "personal", "enterprise" (OpenAI OAuth only)
	Status      string `gorm:"default:active"`
	FailCount   int    // consecutive scheduler refresh failures
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the unique (provider, auth_type, name) tuple as a single
// string, used for per-credential locking and refresh dedup.
func (c *Credential) Key() string {
	return c.Provider + "/" + c.AuthType + "/" + c.Name
}
