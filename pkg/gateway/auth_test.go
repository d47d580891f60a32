package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateChallenge(t *testing.T) {
	auth := NewAuthHandler("secret")

	a, err := auth.GenerateChallenge()
	require.NoError(t, err)
	b, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestVerifySignature(t *testing.T) {
	auth := NewAuthHandler("secret")

	assert.True(t, auth.VerifySignature("challenge", Sign("secret", "challenge")))
	assert.False(t, auth.VerifySignature("challenge", Sign("other", "challenge")))
	assert.False(t, auth.VerifySignature("challenge", ""))
}

func TestVerifySecret(t *testing.T) {
	auth := NewAuthHandler("secret")

	assert.True(t, auth.VerifySecret("secret"))
	assert.False(t, auth.VerifySecret("secre"))
	assert.False(t, auth.VerifySecret(""))
}

func TestHandleAuthResponse(t *testing.T) {
	auth := NewAuthHandler("secret")

	t.Run("no challenge", func(t *testing.T) {
		result := auth.HandleAuthResponse(&Client{}, "sig")
		assert.False(t, result.Success)
		assert.Equal(t, "No challenge found", result.Message)
	})

	t.Run("success clears challenge", func(t *testing.T) {
		client := &Client{Challenge: "abc", AuthAttempts: 2}
		result := auth.HandleAuthResponse(client, Sign("secret", "abc"))
		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		assert.True(t, client.Authenticated)
		assert.Equal(t, StateAuthenticated, client.State)
		assert.Empty(t, client.Challenge)
		assert.Zero(t, client.AuthAttempts)
	})

	t.Run("attempts are limited", func(t *testing.T) {
		client := &Client{Challenge: "abc"}
		for i := 1; i < maxAuthAttempts; i++ {
			result := auth.HandleAuthResponse(client, "bad")
			assert.Equal(t, "Invalid signature", result.Message)
		}
		result := auth.HandleAuthResponse(client, "bad")
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.False(t, client.Authenticated)
	})
}
