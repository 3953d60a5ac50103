package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestAesGcm_RoundTrip(t *testing.T) {
	svc, err := NewAesGcmService(testKey)
	require.NoError(t, err)

	ciphertext, err := svc.Encrypt("a-refresh-token-value")
	require.NoError(t, err)
	assert.NotEqual(t, "a-refresh-token-value", ciphertext)

	plaintext, err := svc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "a-refresh-token-value", plaintext)
}

func TestAesGcm_NonceVariesPerEncryption(t *testing.T) {
	svc, err := NewAesGcmService(testKey)
	require.NoError(t, err)

	first, err := svc.Encrypt("same input")
	require.NoError(t, err)
	second, err := svc.Encrypt("same input")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestAesGcm_TamperedCiphertextFails(t *testing.T) {
	svc, err := NewAesGcmService(testKey)
	require.NoError(t, err)

	ciphertext, err := svc.Encrypt("secret")
	require.NoError(t, err)

	tampered := strings.Replace(ciphertext, string(ciphertext[5]), "A", 1)
	if tampered == ciphertext {
		tampered = "B" + ciphertext[1:]
	}

	_, err = svc.Decrypt(tampered)
	assert.Error(t, err)
}

func TestNewAesGcmService_RejectsBadKey(t *testing.T) {
	_, err := NewAesGcmService("not-hex")
	assert.Error(t, err)

	_, err = NewAesGcmService("abcd")
	assert.Error(t, err, "short key should fail cipher creation")
}

func TestNoopService_PassesThrough(t *testing.T) {
	svc := NoopService{}

	out, err := svc.Encrypt("value")
	require.NoError(t, err)
	assert.Equal(t, "value", out)

	out, err = svc.Decrypt("value")
	require.NoError(t, err)
	assert.Equal(t, "value", out)
}
