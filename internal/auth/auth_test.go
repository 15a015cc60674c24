package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	tok, err := Static("abc")(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestHS256_VerifyRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	p := HS256{Secret: secret, Subject: "user-1", Issuer: "chatlink", TTL: time.Minute}

	tok, err := p.Provider()(context.Background())
	require.NoError(t, err)

	claims, err := Verify(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "chatlink", claims.Issuer)

	// every call mints a distinct credential
	tok2, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, tok, tok2)
}

func TestVerify_Rejects(t *testing.T) {
	secret := []byte("s3cret")

	wrong, err := HS256{Secret: []byte("other")}.Token(context.Background())
	require.NoError(t, err)
	_, err = Verify(secret, wrong)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	s, err := expired.SignedString(secret)
	require.NoError(t, err)
	_, err = Verify(secret, s)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString(secret)
	require.NoError(t, err)
	_, err = Verify(secret, noExp)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = Verify(secret, "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = Verify(nil, "x")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestHS256_Errors(t *testing.T) {
	_, err := HS256{}.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoSecret)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = HS256{Secret: []byte("x")}.Token(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
