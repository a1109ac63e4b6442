package csrf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)
	require.Len(t, secret, SecretLength)

	tok, err := IssueToken(secret)
	require.NoError(t, err)
	require.Len(t, tok, TokenLength)

	assert.True(t, ValidateToken(tok, secret))
}

func TestTokensDifferPerIssue(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)

	tok1, err := IssueToken(secret)
	require.NoError(t, err)
	tok2, err := IssueToken(secret)
	require.NoError(t, err)

	// One-time pads make every issued token unique on the wire, yet both
	// prove the same secret.
	assert.NotEqual(t, tok1, tok2)
	assert.True(t, ValidateToken(tok1, secret))
	assert.True(t, ValidateToken(tok2, secret))
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)

	other, err := NewSecret()
	require.NoError(t, err)

	tok, err := IssueToken(secret)
	require.NoError(t, err)

	assert.False(t, ValidateToken(tok, other))
}

func TestValidateComparesFullSecret(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)

	tok, err := IssueToken(secret)
	require.NoError(t, err)

	// A secret differing only in the last byte must still fail.
	almost := make([]byte, SecretLength)
	copy(almost, secret)
	almost[SecretLength-1] ^= 0x01

	assert.False(t, ValidateToken(tok, almost))
}

func TestValidateRejectsMalformedTokens(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)

	tok, err := IssueToken(secret)
	require.NoError(t, err)

	assert.False(t, ValidateToken("", secret))
	assert.False(t, ValidateToken(tok[:TokenLength-1], secret))
	assert.False(t, ValidateToken(tok+"00", secret))
	assert.False(t, ValidateToken("zz"+tok[2:], secret))
	assert.False(t, ValidateToken(tok, secret[:SecretLength-1]))
}

func TestIssueTokenRejectsBadSecretLength(t *testing.T) {
	_, err := IssueToken([]byte("short"))
	assert.Error(t, err)
}
