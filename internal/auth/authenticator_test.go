package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestVerifyRoundTrip(t *testing.T) {
	req := require.New(t)

	a, err := NewJWTAuthenticator(testSecret, "parley")
	req.NoError(err)

	tok, err := GenerateToken(testSecret, "parley", Identity{
		UserID:      "alice",
		DisplayName: "Alice",
		Role:        "member",
	}, time.Minute)
	req.NoError(err)

	id, err := a.Verify(context.Background(), tok)
	req.NoError(err)
	req.Equal("alice", id.UserID)
	req.Equal("Alice", id.DisplayName)
	req.Equal("member", id.Role)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	req := require.New(t)

	a, err := NewJWTAuthenticator(testSecret, "parley")
	req.NoError(err)
	ctx := context.Background()

	expired, err := GenerateToken(testSecret, "parley", Identity{UserID: "alice"}, -time.Minute)
	req.NoError(err)

	wrongSecret, err := GenerateToken([]byte("ffffffffffffffffffffffffffffffff"), "parley", Identity{UserID: "alice"}, time.Minute)
	req.NoError(err)

	wrongIssuer, err := GenerateToken(testSecret, "other", Identity{UserID: "alice"}, time.Minute)
	req.NoError(err)

	noUser, err := GenerateToken(testSecret, "parley", Identity{}, time.Minute)
	req.NoError(err)

	cases := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not.a.jwt"},
		{name: "expired", token: expired},
		{name: "wrong secret", token: wrongSecret},
		{name: "wrong issuer", token: wrongIssuer},
		{name: "missing user id", token: noUser},
	}
	for _, tc := range cases {
		_, err := a.Verify(ctx, tc.token)
		req.ErrorIsf(err, ErrInvalidToken, "case %q must fail with ErrInvalidToken", tc.name)
	}
}

func TestVerifyRejectsUnexpectedAlgorithm(t *testing.T) {
	req := require.New(t)

	a, err := NewJWTAuthenticator(testSecret, "")
	req.NoError(err)

	// Unsigned token: alg confusion is refused by the method allowlist.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	req.NoError(err)

	_, err = a.Verify(context.Background(), unsigned)
	req.True(errors.Is(err, ErrInvalidToken))
}

func TestNewJWTAuthenticatorEmptySecret(t *testing.T) {
	_, err := NewJWTAuthenticator(nil, "")
	require.Error(t, err)
}
