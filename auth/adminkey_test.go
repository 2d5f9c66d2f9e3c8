package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAdminKey(t *testing.T) {
	k1, err := GenerateAdminKey()
	require.NoError(t, err)
	k2, err := GenerateAdminKey()
	require.NoError(t, err)
	assert.Len(t, k1, 2*adminKeyBytes)
	assert.NotEqual(t, k1, k2)
}

func TestVerifyAdminKey(t *testing.T) {
	assert.True(t, VerifyAdminKey("abc", "abc"))
	assert.False(t, VerifyAdminKey("abc", "abd"))
	assert.False(t, VerifyAdminKey("abc", ""))
	assert.False(t, VerifyAdminKey("", ""))
}
