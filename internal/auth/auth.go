// Package auth validates the bearer tokens chat sockets present during the
// handshake.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken wraps every validation failure; the caller maps it to the
// AUTH_FAILED wire error.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the token payload. Subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	WalletType string `json:"walletType,omitempty"`
}

// Identity is the authenticated principal attached to a socket.
type Identity struct {
	UserID     string
	WalletType string
}

// Validator checks HS256-signed tokens against the shared signing secret.
// The algorithm is pinned; tokens signed any other way are rejected.
type Validator struct {
	secret []byte
}

func NewValidator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	return &Validator{secret: []byte(secret)}, nil
}

// Validate parses and verifies a token and returns the identity it names.
func (v *Validator) Validate(token string) (Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{UserID: claims.Subject, WalletType: claims.WalletType}, nil
}

// BearerToken extracts the token from an Authorization header value.
// Returns "" when the header is absent or not a bearer scheme.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
