package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workline/workline/internal/shared"
)

const testSecret = "test-secret"

func bearerRequest(header string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	return req
}

func TestBearerAuthenticatorAcceptsValidToken(t *testing.T) {
	token, err := IssueToken(testSecret, "workline", 42, "dana@example.com", time.Hour)
	require.NoError(t, err)

	caller, err := NewBearerAuthenticator(testSecret, "workline").Authenticate(bearerRequest("Bearer " + token))
	require.NoError(t, err)
	assert.Equal(t, shared.Caller{ID: 42, Email: "dana@example.com"}, caller)
}

func TestBearerAuthenticatorRejects(t *testing.T) {
	a := NewBearerAuthenticator(testSecret, "workline")

	expired, err := IssueToken(testSecret, "workline", 1, "", -time.Hour)
	require.NoError(t, err)
	forged, err := IssueToken("other-secret", "workline", 1, "", time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := IssueToken(testSecret, "elsewhere", 1, "", time.Hour)
	require.NoError(t, err)
	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "workline",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "1",
		Issuer:  "workline",
	}}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	cases := map[string]string{
		"wrong scheme": "Basic abc",
		"empty token":  "Bearer ",
		"garbage":      "Bearer not.a.jwt",
		"expired":      "Bearer " + expired,
		"forged":       "Bearer " + forged,
		"wrong issuer": "Bearer " + wrongIssuer,
		"bad subject":  "Bearer " + badSubject,
		"no expiry":    "Bearer " + noExpiry,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(bearerRequest(header))
			assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
		})
	}

	_, err = a.Authenticate(bearerRequest(""))
	assert.ErrorIs(t, err, shared.ErrMissingCredentials)
}
