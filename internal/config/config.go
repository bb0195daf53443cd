// Package config loads gateway configuration from a YAML file with
// environment variable overrides, mirroring how each provider's OAuth
// endpoints and base API URLs are externally configurable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default endpoint URLs and public client ids. Client ids are not
// secrets; client secrets and the master key come only from the
// environment.
const (
	DefaultDBPath = "modelgate.db"

	DefaultAnthropicAuthURL  = "https://claude.ai/oauth/authorize"
	DefaultAnthropicTokenURL = "https://console.anthropic.com/v1/oauth/token"
	DefaultAnthropicBaseURL  = "https://api.anthropic.com"
	DefaultAnthropicClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	DefaultAnthropicRedirect = "https://console.anthropic.com/oauth/code/callback"

	DefaultOpenAIAuthURL        = "https://auth.openai.com/oauth/authorize"
	DefaultOpenAITokenURL       = "https://auth.openai.com/oauth/token"
	DefaultOpenAIBaseURL        = "https://chatgpt.com/backend-api/codex"
	DefaultOpenAIEnterpriseURL  = "https://api.openai.com/v1"
	DefaultOpenAIClientID       = "app_EMoamEEZ73f0CkXaXp7hrann"
	DefaultOpenAICallbackPort   = 1455
	DefaultGeminiAuthURL        = "https://accounts.google.com/o/oauth2/auth"
	DefaultGeminiTokenURL       = "https://oauth2.googleapis.com/token"
	DefaultGeminiBaseURL        = "https://cloudcode-pa.googleapis.com/v1internal"
	DefaultGeminiCallbackPort   = 51121
	DefaultSchedulerInterval    = 60 * time.Second
	DefaultSchedulerGrace       = 10 * time.Minute
	DefaultSchedulerMaxFailures = 5
)

// ProviderConfig holds per-provider OAuth and API endpoint settings.
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	RedirectURL  string   `yaml:"redirect_url"`
	CallbackPort int      `yaml:"callback_port"`
	BaseURL      string   `yaml:"base_url"`
	// EnterpriseBaseURL is the alternate backend used after an
	// RFC 8693 token exchange (OpenAI enterprise accounts).
	EnterpriseBaseURL string   `yaml:"enterprise_base_url"`
	Scopes            []string `yaml:"scopes"`
}

// SchedulerConfig controls the background token refresh loop.
type SchedulerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	GraceWindow time.Duration `yaml:"grace_window"`
	// MaxFailures is the number of consecutive refresh failures
	// before a credential is flagged needs_manual_reauth.
	MaxFailures int `yaml:"max_failures"`
}

// Config is the full gateway configuration.
type Config struct {
	DBPath    string                    `yaml:"db_path"`
	Listen    string                    `yaml:"listen"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`

	// MasterKey encrypts credential secret material at rest.
	// Environment only (MODELGATE_MASTER_KEY), never from file.
	MasterKey string `yaml:"-"`
}

// Load reads the config file at path (if it exists) on top of built-in
// defaults, then applies environment overrides. A missing file is not
// an error; a malformed file is.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			var fileCfg Config
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
			merge(cfg, &fileCfg)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// Provider returns the configuration for the named provider.
func (c *Config) Provider(name string) ProviderConfig {
	return c.Providers[name]
}

func defaults() *Config {
	return &Config{
		DBPath: DefaultDBPath,
		Listen: "127.0.0.1:8099",
		Providers: map[string]ProviderConfig{
			"anthropic": {
				ClientID:    DefaultAnthropicClientID,
				AuthURL:     DefaultAnthropicAuthURL,
				TokenURL:    DefaultAnthropicTokenURL,
				RedirectURL: DefaultAnthropicRedirect,
				BaseURL:     DefaultAnthropicBaseURL,
				Scopes:      []string{"org:create_api_key", "user:profile", "user:inference"},
			},
			"openai": {
				ClientID:          DefaultOpenAIClientID,
				AuthURL:           DefaultOpenAIAuthURL,
				TokenURL:          DefaultOpenAITokenURL,
				CallbackPort:      DefaultOpenAICallbackPort,
				BaseURL:           DefaultOpenAIBaseURL,
				EnterpriseBaseURL: DefaultOpenAIEnterpriseURL,
				Scopes:            []string{"openid", "profile", "email", "offline_access"},
			},
			"gemini": {
				AuthURL:      DefaultGeminiAuthURL,
				TokenURL:     DefaultGeminiTokenURL,
				CallbackPort: DefaultGeminiCallbackPort,
				BaseURL:      DefaultGeminiBaseURL,
				Scopes: []string{
					"https://www.googleapis.com/auth/cloud-platform",
					"https://www.googleapis.com/auth/userinfo.email",
					"https://www.googleapis.com/auth/userinfo.profile",
				},
			},
		},
		Scheduler: SchedulerConfig{
			Interval:    DefaultSchedulerInterval,
			GraceWindow: DefaultSchedulerGrace,
			MaxFailures: DefaultSchedulerMaxFailures,
		},
	}
}

func merge(dst, src *Config) {
	if src.DBPath != "" {
		dst.DBPath = src.DBPath
	}
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.Scheduler.Interval > 0 {
		dst.Scheduler.Interval = src.Scheduler.Interval
	}
	if src.Scheduler.GraceWindow > 0 {
		dst.Scheduler.GraceWindow = src.Scheduler.GraceWindow
	}
	if src.Scheduler.MaxFailures > 0 {
		dst.Scheduler.MaxFailures = src.Scheduler.MaxFailures
	}
	for name, pc := range src.Providers {
		base := dst.Providers[name]
		if pc.ClientID != "" {
			base.ClientID = pc.ClientID
		}
		if pc.ClientSecret != "" {
			base.ClientSecret = pc.ClientSecret
		}
		if pc.AuthURL != "" {
			base.AuthURL = pc.AuthURL
		}
		if pc.TokenURL != "" {
			base.TokenURL = pc.TokenURL
		}
		if pc.RedirectURL != "" {
			base.RedirectURL = pc.RedirectURL
		}
		if pc.CallbackPort != 0 {
			base.CallbackPort = pc.CallbackPort
		}
		if pc.BaseURL != "" {
			base.BaseURL = pc.BaseURL
		}
		if pc.EnterpriseBaseURL != "" {
			base.EnterpriseBaseURL = pc.EnterpriseBaseURL
		}
		if len(pc.Scopes) > 0 {
			base.Scopes = pc.Scopes
		}
		dst.Providers[name] = base
	}
}

// applyEnv layers MODELGATE_* environment variables on top of the file
// values. Per-provider overrides follow the MODELGATE_<PROVIDER>_<FIELD>
// convention, e.g. MODELGATE_GEMINI_CLIENT_ID.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MODELGATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MODELGATE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	cfg.MasterKey = os.Getenv("MODELGATE_MASTER_KEY")

	for name, pc := range cfg.Providers {
		prefix := "MODELGATE_" + strings.ToUpper(name) + "_"
		if v := os.Getenv(prefix + "CLIENT_ID"); v != "" {
			pc.ClientID = v
		}
		if v := os.Getenv(prefix + "CLIENT_SECRET"); v != "" {
			pc.ClientSecret = v
		}
		if v := os.Getenv(prefix + "AUTH_URL"); v != "" {
			pc.AuthURL = v
		}
		if v := os.Getenv(prefix + "TOKEN_URL"); v != "" {
			pc.TokenURL = v
		}
		if v := os.Getenv(prefix + "REDIRECT_URL"); v != "" {
			pc.RedirectURL = v
		}
		if v := os.Getenv(prefix + "CALLBACK_PORT"); v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				pc.CallbackPort = port
			}
		}
		if v := os.Getenv(prefix + "BASE_URL"); v != "" {
			pc.BaseURL = v
		}
		if v := os.Getenv(prefix + "ENTERPRISE_BASE_URL"); v != "" {
			pc.EnterpriseBaseURL = v
		}
		cfg.Providers[name] = pc
	}
}
