package jwt

import (
	"testing"
	"time"
)

func TestGenerateAndParseRoundTrip(t *testing.T) {
	token, err := GenerateToken("user-1", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "user-1" || claims.Subject != "user-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseRejectsBadTokens(t *testing.T) {
	good, err := GenerateToken("user-1", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	expired, err := GenerateToken("user-1", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("generate expired: %v", err)
	}

	cases := map[string]struct {
		token  string
		secret string
	}{
		"wrong secret": {token: good, secret: "other"},
		"expired":      {token: expired, secret: "secret"},
		"garbage":      {token: "not-a-token", secret: "secret"},
	}
	for name, tc := range cases {
		if _, err := Parse(tc.token, tc.secret); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := GenerateToken("", "secret", time.Minute); err == nil {
		t.Fatalf("expected empty user id to be rejected")
	}
}
