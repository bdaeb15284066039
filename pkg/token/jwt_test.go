package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager("secret", "https://id.example.com")
	tok, err := m.GenerateToken("user_123", "a@example.com", time.Minute)
	require.NoError(t, err)

	claims, err := m.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "user_123", claims.Subject)
	assert.Equal(t, "a@example.com", claims.Email)
}

func TestJWTManager_Rejects(t *testing.T) {
	m := NewJWTManager("secret", "https://id.example.com")

	expired, err := m.GenerateToken("u", "", -time.Minute)
	require.NoError(t, err)
	_, err = m.VerifyToken(expired)
	assert.Error(t, err)

	other, err := NewJWTManager("other-secret", "https://id.example.com").GenerateToken("u", "", time.Minute)
	require.NoError(t, err)
	_, err = m.VerifyToken(other)
	assert.Error(t, err)

	wrongIssuer, err := NewJWTManager("secret", "https://evil.example.com").GenerateToken("u", "", time.Minute)
	require.NoError(t, err)
	_, err = m.VerifyToken(wrongIssuer)
	assert.Error(t, err)

	noSubject, err := m.GenerateToken("", "", time.Minute)
	require.NoError(t, err)
	_, err = m.VerifyToken(noSubject)
	assert.Error(t, err)

	_, err = m.VerifyToken("not-a-jwt")
	assert.Error(t, err)
}
