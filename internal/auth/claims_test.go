package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing-32"

func TestGenerateAndParseAccessToken(t *testing.T) {
	token, err := GenerateAccessToken("usr-001", testSecret, 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateAccessToken() returned empty token")
	}

	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "usr-001" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "usr-001")
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time); ttl != 15*time.Minute {
		t.Errorf("token lifetime = %v, want 15m", ttl)
	}
}

func TestGenerateAccessToken_DefaultTTL(t *testing.T) {
	token, err := GenerateAccessToken("usr-001", testSecret, 0)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time); ttl != defaultAccessTokenTTL {
		t.Errorf("token lifetime = %v, want %v", ttl, defaultAccessTokenTTL)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	now := time.Now()
	sign := func(method jwt.SigningMethod, key any, claims jwt.Claims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return s
	}
	valid, err := GenerateAccessToken("usr-001", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-valid-jwt"},
		{"wrong secret", sign(jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"), jwt.RegisteredClaims{
			Subject: "usr-001", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		})},
		{"expired", sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
			Subject: "usr-001", ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
		})},
		{"no expiry", sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
			Subject: "usr-001",
		})},
		{"missing subject", sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		})},
		{"wrong algorithm", sign(jwt.SigningMethodHS512, []byte(testSecret), jwt.RegisteredClaims{
			Subject: "usr-001", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		})},
		{"tampered", valid + "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.token, testSecret)
			if !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}
