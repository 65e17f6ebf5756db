// Package auth verifies bearer tokens for the relay. Tokens are HS256 JWTs
// whose subject is the username; issuing them belongs to the login service,
// Issue exists for development and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pelusa-v/relay-chat/internal/chat"
)

// UserLookup resolves the token subject to a stored identity.
type UserLookup interface {
	UserByName(ctx context.Context, username string) (chat.User, error)
}

type JWTVerifier struct {
	secret []byte
	users  UserLookup
	parser *jwt.Parser
	now    func() time.Time
}

var _ chat.Verifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret string, users UserLookup) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		users:  users,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
		now: time.Now,
	}
}

// Verify checks the signature and expiry and resolves the subject. Every
// failure wraps chat.ErrInvalidCredential.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (chat.User, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return chat.User{}, fmt.Errorf("%w: %w", chat.ErrInvalidCredential, err)
	}
	if claims.Subject == "" {
		return chat.User{}, fmt.Errorf("%w: token has no subject", chat.ErrInvalidCredential)
	}

	user, err := v.users.UserByName(ctx, claims.Subject)
	if errors.Is(err, chat.ErrNotFound) {
		return chat.User{}, fmt.Errorf("%w: unknown user %q", chat.ErrInvalidCredential, claims.Subject)
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("%w: lookup %q: %w", chat.ErrInvalidCredential, claims.Subject, err)
	}
	return user, nil
}

// Issue signs a token for username valid for ttl.
func (v *JWTVerifier) Issue(username string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
