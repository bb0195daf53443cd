package openai

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/modelgate/modelgate/internal/auth"
)

func signedIDToken(t *testing.T, planType string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"email": "user@example.com",
		"https://api.openai.com/auth": map[string]interface{}{
			"chatgpt_plan_type":  planType,
			"chatgpt_account_id": "acct_123",
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tok
}

func TestClassifyAccountMode(t *testing.T) {
	tests := []struct {
		plan          string
		wantMode      string
		wantAmbiguous bool
	}{
		{"free", auth.AccountModePersonal, false},
		{"plus", auth.AccountModePersonal, false},
		{"pro", auth.AccountModePersonal, false},
		{"team", auth.AccountModeEnterprise, false},
		{"business", auth.AccountModeEnterprise, false},
		{"enterprise", auth.AccountModeEnterprise, false},
		{"edu", auth.AccountModeEnterprise, false},
		// Unknown and missing tiers fall to the restrictive default.
		{"galactic", auth.AccountModeEnterprise, true},
		{"", auth.AccountModeEnterprise, true},
	}

	for _, tt := range tests {
		claims, err := parseIDClaims(signedIDToken(t, tt.plan))
		if err != nil {
			t.Fatalf("plan %q: parse failed: %v", tt.plan, err)
		}
		mode, ambiguous := classifyAccountMode(claims)
		if mode != tt.wantMode || ambiguous != tt.wantAmbiguous {
			t.Errorf("plan %q: got (%s, %v), want (%s, %v)",
				tt.plan, mode, ambiguous, tt.wantMode, tt.wantAmbiguous)
		}
	}
}

func TestClassifyAccountModeDeterministic(t *testing.T) {
	claims, err := parseIDClaims(signedIDToken(t, "plus"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	first, _ := classifyAccountMode(claims)
	for i := 0; i < 10; i++ {
		mode, _ := classifyAccountMode(claims)
		if mode != first {
			t.Fatalf("classification changed between calls: %s then %s", first, mode)
		}
	}
}

func TestClassifyNilClaims(t *testing.T) {
	mode, ambiguous := classifyAccountMode(nil)
	if mode != auth.AccountModeEnterprise || !ambiguous {
		t.Fatalf("nil claims: got (%s, %v), want enterprise default", mode, ambiguous)
	}
}

func TestParseIDClaimsRejectsGarbage(t *testing.T) {
	if _, err := parseIDClaims("not-a-jwt"); err == nil {
		t.Fatal("expected an error for a malformed token")
	}
}
