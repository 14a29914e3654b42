package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordIsDeterministic(t *testing.T) {
	assert.Equal(t, HashPassword("hunter2"), HashPassword("hunter2"))
	assert.NotEqual(t, HashPassword("hunter2"), HashPassword("hunter3"))
}

func TestVerifyPassword(t *testing.T) {
	digest := HashPassword("hunter2")
	assert.True(t, VerifyPassword("hunter2", digest))
	assert.False(t, VerifyPassword("hunter3", digest))
	assert.False(t, VerifyPassword("hunter2", "not a digest"))
}

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	token, err := issuer.Generate(42, "alice")
	require.NoError(t, err)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.ID)
	assert.Equal(t, "alice", claims.Name)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := NewIssuer("secret-a", time.Hour).Generate(1, "alice")
	require.NoError(t, err)

	_, err = NewIssuer("secret-b", time.Hour).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)
	issuer.ttl = -time.Minute

	token, err := issuer.Generate(1, "alice")
	require.NoError(t, err)

	_, err = issuer.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := NewIssuer("test-secret", time.Hour).Parse("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
