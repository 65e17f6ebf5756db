package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/relay-chat/internal/chat"
	"github.com/pelusa-v/relay-chat/internal/store/memory"
)

func newVerifier(t *testing.T) (*JWTVerifier, chat.User) {
	t.Helper()
	users := memory.New()
	alice, err := users.CreateUser(context.Background(), "alice")
	require.NoError(t, err)
	return NewJWTVerifier("test-secret", users), alice
}

func TestVerifyIssuedToken(t *testing.T) {
	v, alice := newVerifier(t)
	token, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)

	got, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, alice, got)
}

func TestVerifyRejects(t *testing.T) {
	v, _ := newVerifier(t)
	other := NewJWTVerifier("other-secret", memory.New())

	expired, err := v.Issue("alice", -time.Minute)
	require.NoError(t, err)
	unknown, err := v.Issue("mallory", time.Hour)
	require.NoError(t, err)
	wrongKey, err := other.Issue("alice", time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).
		SignedString([]byte("test-secret"))
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tokens := map[string]string{
		"garbage":   "not-a-token",
		"expired":   expired,
		"unknown":   unknown,
		"wrong key": wrongKey,
		"no expiry": noExpiry,
		"no sub":    noSubject,
		"wrong alg": wrongAlg,
	}
	for name, token := range tokens {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			assert.ErrorIs(t, err, chat.ErrInvalidCredential)
		})
	}
}
