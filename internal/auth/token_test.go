package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testIssuer        = "eventlog-api"
	testSubject       = "billing-worker"
)

func newTestPair(t *testing.T, now func() time.Time) (*TokenIssuer, *TokenValidator) {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
		Clock:         now,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Clock:         now,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return issuer, validator
}

func TestIssuedTokensValidate(t *testing.T) {
	clockNow := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestPair(t, func() time.Time { return clockNow })

	token, expiresIn, err := issuer.IssueToken(context.Background(), testSubject)
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	subject, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if subject != testSubject {
		t.Fatalf("unexpected subject %s", subject)
	}

	request := httptest.NewRequest(http.MethodGet, "/invoices/INV-1/events", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	subject, err = validator.ValidateRequest(request)
	if err != nil || subject != testSubject {
		t.Fatalf("expected request to validate, got %q (%v)", subject, err)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	issuer, _ := newTestPair(t, func() time.Time { return clockNow })
	token, _, err := issuer.IssueToken(context.Background(), testSubject)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	_, laterValidator := newTestPair(t, func() time.Time { return clockNow.Add(2 * time.Hour) })
	if _, err := laterValidator.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestValidateTokenRejectsForeignTokens(t *testing.T) {
	clockNow := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	_, validator := newTestPair(t, func() time.Time { return clockNow })

	testCases := []struct {
		name   string
		secret string
		claims jwt.RegisteredClaims
	}{
		{
			name:   "wrong secret",
			secret: "other",
			claims: jwt.RegisteredClaims{Issuer: testIssuer, Subject: testSubject, Audience: []string{defaultAudience}, ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour))},
		},
		{
			name:   "wrong issuer",
			secret: testSigningSecret,
			claims: jwt.RegisteredClaims{Issuer: "someone-else", Subject: testSubject, Audience: []string{defaultAudience}, ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour))},
		},
		{
			name:   "wrong audience",
			secret: testSigningSecret,
			claims: jwt.RegisteredClaims{Issuer: testIssuer, Subject: testSubject, Audience: []string{"other-api"}, ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour))},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, testCase.claims).SignedString([]byte(testCase.secret))
			if err != nil {
				t.Fatalf("failed to sign token: %v", err)
			}
			if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected invalid token, got %v", err)
			}
		})
	}
}

func TestValidateTokenRequiresSubject(t *testing.T) {
	clockNow := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	_, validator := newTestPair(t, func() time.Time { return clockNow })
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Audience:  []string{defaultAudience},
		ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
	}).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject, got %v", err)
	}
}

func TestValidateRequestRequiresBearerHeader(t *testing.T) {
	_, validator := newTestPair(t, time.Now)
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	request.Header.Set("Authorization", "Basic abc")
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token for non-bearer scheme, got %v", err)
	}
}

func TestConstructorsRequireSecretAndIssuer(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected missing secret, got %v", err)
	}
	if _, err := NewTokenValidator(TokenValidatorConfig{SigningSecret: []byte("s")}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer, got %v", err)
	}
	issuer, _ := newTestPair(t, time.Now)
	if _, _, err := issuer.IssueToken(context.Background(), " "); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject, got %v", err)
	}
}
