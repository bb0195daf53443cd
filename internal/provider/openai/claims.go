package openai

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/modelgate/modelgate/internal/auth"
)

// idTokenClaims carries the OpenAI-namespaced claims we inspect for
// account classification. The token is decoded without signature
// verification; it was just handed to us over TLS by the issuer and
// is only used to pick an API surface, never as proof of identity.
type idTokenClaims struct {
	Email  string `json:"email"`
	OpenAI struct {
		ChatGPTPlanType  string `json:"chatgpt_plan_type"`
		ChatGPTAccountID string `json:"chatgpt_account_id"`
		OrganizationID   string `json:"organization_id"`
	} `json:"https://api.openai.com/auth"`
	jwt.RegisteredClaims
}

func parseIDClaims(idToken string) (*idTokenClaims, error) {
	claims := &idTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("failed to decode id_token: %w", err)
	}
	return claims, nil
}

// personalPlans are the ChatGPT plan types served by the personal
// backend. Everything else, including an absent or unrecognized plan,
// is treated as enterprise so an unknown tier never gets routed to the
// personal surface.
var personalPlans = map[string]bool{
	"free": true,
	"plus": true,
	"pro":  true,
}

// classifyAccountMode decides personal versus enterprise from the
// id_token claims. ambiguous reports that the decision fell through to
// the restrictive default rather than matching a known tier.
func classifyAccountMode(claims *idTokenClaims) (mode string, ambiguous bool) {
	if claims == nil {
		return auth.AccountModeEnterprise, true
	}
	plan := claims.OpenAI.ChatGPTPlanType
	if personalPlans[plan] {
		return auth.AccountModePersonal, false
	}
	switch plan {
	case "team", "business", "enterprise", "edu":
		return auth.AccountModeEnterprise, false
	}
	return auth.AccountModeEnterprise, true
}
