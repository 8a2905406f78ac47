package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tokens, err := NewTokens("s3cret", time.Hour)
	require.NoError(t, err)
	tokens = tokens.WithClock(func() time.Time { return now })

	raw, err := tokens.Issue("usr_1", "ana@example.com")
	require.NoError(t, err)

	claims, err := tokens.Verify(raw)
	require.NoError(t, err)
	require.Equal(t, "usr_1", claims.UserID())
	require.Equal(t, "ana@example.com", claims.Email)

	later := tokens.WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	_, err = later.Verify(raw)
	require.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewTokens("another", time.Hour)
	require.NoError(t, err)
	_, err = other.WithClock(func() time.Time { return now }).Verify(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForgedTokens(t *testing.T) {
	tokens, err := NewTokens("s3cret", time.Hour)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_1"},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for name, raw := range map[string]string{
		"alg none":   unsigned,
		"no expiry":  noExpiry,
		"no subject": noSubject,
		"garbage":    "not.a.token",
		"empty":      "",
	} {
		_, err := tokens.Verify(raw)
		if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: err=%v, want ErrInvalidToken", name, err)
		}
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	_, err := NewTokens("", 0)
	require.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	require.False(t, strings.Contains(hash, "correct horse"))
	require.NoError(t, CheckPassword(hash, "correct horse"))
	require.ErrorIs(t, CheckPassword(hash, "wrong"), ErrInvalidCredentials)
}
