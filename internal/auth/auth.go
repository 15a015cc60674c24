// Package auth supplies credentials for each connection attempt.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrNoSecret     = errors.New("auth: empty signing secret")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// TokenProvider returns a fresh credential. It is invoked on every connect and
// reconnect.
type TokenProvider func(ctx context.Context) (string, error)

// Static always returns token.
func Static(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// HS256 mints short-lived HMAC-signed JWTs.
type HS256 struct {
	Secret   []byte
	Subject  string
	Issuer   string
	Audience string
	TTL      time.Duration
}

func (h HS256) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(h.Secret) == 0 {
		return "", ErrNoSecret
	}
	ttl := h.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   h.Subject,
		Issuer:    h.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if h.Audience != "" {
		claims.Audience = jwt.ClaimStrings{h.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Provider adapts h to a TokenProvider.
func (h HS256) Provider() TokenProvider { return h.Token }

// Verify checks an HS256 token against secret and returns its claims.
func Verify(secret []byte, token string) (*jwt.RegisteredClaims, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	return claims, nil
}
