// Package auth is the credential verification boundary. The chat core hands it
// an opaque token and gets back a verified identity; issuing and revoking
// credentials happens elsewhere in the host system.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers bad, expired, or malformed credentials.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the verified result of a credential check.
// It is immutable for the lifetime of a connection.
type Identity struct {
	UserID      string
	DisplayName string
	Role        string
}

// Authenticator verifies a presented credential token.
type Authenticator interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims defines the structure of the data stored inside the JWT.
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256-signed tokens issued by the host system.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator constructs an authenticator for the given signing secret.
// issuer is enforced when non-empty.
func NewJWTAuthenticator(secret []byte, issuer string) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}
	return &JWTAuthenticator{secret: secret, issuer: issuer}, nil
}

// Verify parses and validates the signature and expiration of a token string.
func (a *JWTAuthenticator) Verify(ctx context.Context, tokenString string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Identity{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || strings.TrimSpace(claims.UserID) == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
	}, nil
}

// GenerateToken creates a signed JWT for a specific user. Used by dev tooling
// and tests; production tokens come from the host system's identity service.
func GenerateToken(secret []byte, issuer string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Role:        id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
