package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestNewCodec_KeyValidation(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		errMsg string
	}{
		{"valid key", testKey, ""},
		{"not hex", strings.Repeat("zz", 32), "not valid hex"},
		{"too short", "abcd1234", "must be 32 bytes"},
		{"empty", "", "must be 32 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := NewCodec(tt.key)
			if tt.errMsg == "" {
				require.NoError(t, err)
				assert.NotNil(t, codec)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	codec, err := NewCodec(testKey)
	require.NoError(t, err)

	sealed, err := codec.EncryptSecret("oidc-client-secret-value")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "oidc-client-secret-value")

	plaintext, err := codec.DecryptSecret(sealed)
	require.NoError(t, err)
	assert.Equal(t, "oidc-client-secret-value", plaintext)
}

func TestCodec_NonceUniqueness(t *testing.T) {
	codec, err := NewCodec(testKey)
	require.NoError(t, err)

	first, err := codec.EncryptSecret("same-value")
	require.NoError(t, err)
	second, err := codec.EncryptSecret("same-value")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestCodec_DecryptRejectsTampering(t *testing.T) {
	codec, err := NewCodec(testKey)
	require.NoError(t, err)

	sealed, err := codec.EncryptSecret("secret")
	require.NoError(t, err)

	_, err = codec.DecryptSecret("not base64!!!")
	assert.Error(t, err)

	_, err = codec.DecryptSecret("c2hvcnQ=")
	assert.Error(t, err)

	// Flip a character in the sealed blob.
	tampered := []byte(sealed)
	if tampered[len(tampered)-5] == 'A' {
		tampered[len(tampered)-5] = 'B'
	} else {
		tampered[len(tampered)-5] = 'A'
	}
	_, err = codec.DecryptSecret(string(tampered))
	assert.Error(t, err)
}

func TestCodec_WrongKeyFails(t *testing.T) {
	codec, err := NewCodec(testKey)
	require.NoError(t, err)
	other, err := NewCodec(strings.Repeat("ff", 32))
	require.NoError(t, err)

	sealed, err := codec.EncryptSecret("secret")
	require.NoError(t, err)

	_, err = other.DecryptSecret(sealed)
	assert.Error(t, err)
}
