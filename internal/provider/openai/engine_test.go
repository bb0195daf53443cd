package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/db/models"
)

func testCredential(t *testing.T, mode string) *models.Credential {
	t.Helper()
	secret, err := (&auth.SecretMaterial{
		AccessToken:  "old-access",
		RefreshToken: "refresh-1",
	}).Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return &models.Credential{
		Provider:    providerName,
		AuthType:    "oauth",
		Name:        "work",
		Secret:      secret,
		AccountMode: mode,
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "refresh-2",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	engine := NewEngine(config.ProviderConfig{ClientID: "client", TokenURL: srv.URL})
	refreshed, err := engine.Refresh(context.Background(), testCredential(t, auth.AccountModePersonal))
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	material, err := auth.DecodeSecret(refreshed)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if material.AccessToken != "new-access" {
		t.Errorf("access token = %q", material.AccessToken)
	}
	if material.RefreshToken != "refresh-2" {
		t.Errorf("rotated refresh token not persisted: %q", material.RefreshToken)
	}
	if refreshed.ExpiresAt == nil {
		t.Error("refreshed credential has no expiry")
	}
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-access",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	engine := NewEngine(config.ProviderConfig{ClientID: "client", TokenURL: srv.URL})
	refreshed, err := engine.Refresh(context.Background(), testCredential(t, auth.AccountModePersonal))
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	material, _ := auth.DecodeSecret(refreshed)
	if material.RefreshToken != "refresh-1" {
		t.Errorf("refresh token = %q, want the original kept", material.RefreshToken)
	}
}

func TestConcurrentRefreshSharesOneCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		// Hold the response so every waiter joins the in-flight call.
		time.Sleep(100 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-access",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	engine := NewEngine(config.ProviderConfig{ClientID: "client", TokenURL: srv.URL})
	cred := testCredential(t, auth.AccountModePersonal)

	const n = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = engine.Refresh(context.Background(), cred)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("token endpoint called %d times, want 1", got)
	}
}

func TestRefreshEnterpriseReExchanges(t *testing.T) {
	idToken := signedIDToken(t, "enterprise")

	var exchangeCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad form: %v", err)
		}
		switch r.Form.Get("grant_type") {
		case "refresh_token":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "new-access",
				"id_token":     idToken,
				"expires_in":   3600,
			})
		case tokenExchangeGrant:
			atomic.AddInt32(&exchangeCalls, 1)
			if got := r.Form.Get("subject_token"); got != idToken {
				t.Errorf("subject_token = %q", got)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "enterprise-access",
			})
		default:
			t.Errorf("unexpected grant_type %q", r.Form.Get("grant_type"))
		}
	}))
	defer srv.Close()

	engine := NewEngine(config.ProviderConfig{ClientID: "client", TokenURL: srv.URL})
	refreshed, err := engine.Refresh(context.Background(), testCredential(t, auth.AccountModeEnterprise))
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.AccountMode != auth.AccountModeEnterprise {
		t.Errorf("account mode = %q", refreshed.AccountMode)
	}
	material, _ := auth.DecodeSecret(refreshed)
	if material.EnterpriseToken != "enterprise-access" {
		t.Errorf("enterprise token = %q", material.EnterpriseToken)
	}
	if got := atomic.LoadInt32(&exchangeCalls); got != 1 {
		t.Errorf("exchange called %d times, want 1", got)
	}
}

func TestCreateAPIKeyCredential(t *testing.T) {
	engine := NewEngine(config.ProviderConfig{})
	cred, err := engine.CreateAPIKeyCredential("ci", "sk-test-123")
	if err != nil {
		t.Fatalf("CreateAPIKeyCredential failed: %v", err)
	}
	if cred.AuthType != "api_key" || cred.ExpiresAt != nil {
		t.Errorf("unexpected credential shape: %+v", cred)
	}
	material, err := auth.DecodeSecret(cred)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if material.APIKey != "sk-test-123" {
		t.Errorf("api key = %q", material.APIKey)
	}

	if _, err := engine.CreateAPIKeyCredential("ci", ""); err == nil {
		t.Error("empty key accepted")
	}
}
