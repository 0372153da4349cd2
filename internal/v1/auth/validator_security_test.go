package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "this-is-a-very-long-secret-key-for-testing-purposes"

func TestValidator_RoundTrip(t *testing.T) {
	v, err := NewValidator(testSecret)
	require.NoError(t, err)

	claims := CustomClaims{
		Name:        "Test User",
		Email:       "test@example.com",
		Role:        "annotator",
		Permissions: []string{"annotate"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	got, err := v.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.Subject)
	assert.Equal(t, "annotator", got.Role)
}

func TestValidator_RejectsExpired(t *testing.T) {
	v, err := NewValidator(testSecret)
	require.NoError(t, err)

	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}

// TestValidator_AlgorithmConfusion verifies the validator rejects tokens
// signed with an unexpected algorithm (the classic alg=none confusion
// attack) rather than silently accepting them.
func TestValidator_AlgorithmConfusion(t *testing.T) {
	v, err := NewValidator(testSecret)
	require.NoError(t, err)

	token := jwt.New(jwt.SigningMethodNone)
	token.Claims = jwt.MapClaims{
		"sub": "attacker",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected signing method")
}

func TestNewValidator_RejectsShortSecret(t *testing.T) {
	_, err := NewValidator("too-short")
	assert.Error(t, err)
}
