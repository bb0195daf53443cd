package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != DefaultDBPath {
		t.Fatalf("expected default db path, got %s", cfg.DBPath)
	}
	if cfg.Provider("openai").CallbackPort != DefaultOpenAICallbackPort {
		t.Fatalf("expected default openai callback port")
	}
	if cfg.Scheduler.Interval != DefaultSchedulerInterval {
		t.Fatalf("expected default scheduler interval")
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "modelgate.yaml")
	cfg := `db_path: /tmp/gateway.db
listen: 0.0.0.0:9000
providers:
  anthropic:
    base_url: https://proxy.example.com/anthropic
scheduler:
  interval: 30s
  max_failures: 2
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MODELGATE_MASTER_KEY", "test-master-key")
	t.Setenv("MODELGATE_GEMINI_CLIENT_ID", "gemini-client-from-env")

	loaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.DBPath != "/tmp/gateway.db" {
		t.Fatalf("file db_path not applied: %s", loaded.DBPath)
	}
	if loaded.Provider("anthropic").BaseURL != "https://proxy.example.com/anthropic" {
		t.Fatalf("anthropic base_url not applied")
	}
	// Unset fields keep their defaults.
	if loaded.Provider("anthropic").TokenURL != DefaultAnthropicTokenURL {
		t.Fatalf("anthropic token_url default lost")
	}
	if loaded.Scheduler.Interval != 30*time.Second {
		t.Fatalf("scheduler interval not applied: %v", loaded.Scheduler.Interval)
	}
	if loaded.Scheduler.MaxFailures != 2 {
		t.Fatalf("scheduler max_failures not applied")
	}
	if loaded.MasterKey != "test-master-key" {
		t.Fatalf("master key must come from env")
	}
	if loaded.Provider("gemini").ClientID != "gemini-client-from-env" {
		t.Fatalf("env provider override not applied")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte("providers: [not a map"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("expected parse error for malformed yaml")
	}
}
