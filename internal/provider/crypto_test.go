package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHexKey = "8f2a1b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8"

func TestSealOpenRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testHexKey)
	require.NoError(t, err)

	sealed, err := enc.Seal("sk-live-abc123")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-live")

	plain, err := enc.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc123", plain)

	// Each seal uses a fresh nonce.
	again, err := enc.Seal("sk-live-abc123")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestNewEncryptorRejectsBadKeys(t *testing.T) {
	_, err := NewEncryptor("not hex")
	assert.Error(t, err)

	_, err = NewEncryptor("abcd")
	assert.Error(t, err)
}

func TestOpenRejectsTamperedMaterial(t *testing.T) {
	enc, err := NewEncryptor(testHexKey)
	require.NoError(t, err)

	sealed, err := enc.Seal("secret")
	require.NoError(t, err)

	_, err = enc.Open("!!!" + sealed)
	assert.Error(t, err)

	_, err = enc.Open("")
	assert.Error(t, err)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "****", Mask("short"))
	masked := Mask("sk-live-abcdef123456")
	assert.True(t, strings.HasPrefix(masked, "sk-"))
	assert.True(t, strings.HasSuffix(masked, "3456"))
	assert.NotContains(t, masked, "abcdef")
}
