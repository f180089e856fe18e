// Package auth verifies bearer credentials issued by the identity provider.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/workline/workline/internal/shared"
)

// Claims carried by access tokens. Subject holds the numeric user id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// BearerAuthenticator validates HS256 access tokens from the Authorization header.
type BearerAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewBearerAuthenticator constructs a BearerAuthenticator. An empty issuer disables the issuer check.
func NewBearerAuthenticator(secret, issuer string) *BearerAuthenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &BearerAuthenticator{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

// Authenticate returns the caller identified by the request's bearer token.
func (a *BearerAuthenticator) Authenticate(r *http.Request) (shared.Caller, error) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return shared.Caller{}, shared.ErrMissingCredentials
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return shared.Caller{}, fmt.Errorf("%w: expected bearer token", shared.ErrInvalidCredentials)
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return shared.Caller{}, fmt.Errorf("%w: token expired", shared.ErrInvalidCredentials)
		}
		return shared.Caller{}, fmt.Errorf("%w: %v", shared.ErrInvalidCredentials, err)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return shared.Caller{}, fmt.Errorf("%w: subject is not a user id", shared.ErrInvalidCredentials)
	}
	return shared.Caller{ID: id, Email: claims.Email}, nil
}

// IssueToken signs an access token. Production tokens come from the identity
// provider; this is used by tooling and tests.
func IssueToken(secret, issuer string, userID int64, email string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
