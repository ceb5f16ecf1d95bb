package secretbox

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := New(testKey(t))
	require.NoError(t, err)

	plaintext := []byte(`{"token":"super-secret"}`)
	ciphertext, err := box.Encrypt(plaintext)
	require.NoError(t, err)
	require.NotContains(t, ciphertext, "super-secret")

	decrypted, err := box.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	box1, err := New(testKey(t))
	require.NoError(t, err)
	box2, err := New(testKey(t))
	require.NoError(t, err)

	ciphertext, err := box1.Encrypt([]byte("hello"))
	require.NoError(t, err)

	_, err = box2.Decrypt(ciphertext)
	require.Error(t, err)
}

func TestNewRejectsBadKeySize(t *testing.T) {
	_, err := New([]byte("too-short"))
	require.Error(t, err)
}
