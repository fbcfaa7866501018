package cryptobox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box := New([]byte("a-very-secret-value-used-in-tests"))

	encoded, err := box.Encrypt("gho_exampleAccessToken")
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(encoded, ":"))

	plaintext, err := box.Decrypt(encoded)
	require.NoError(t, err)
	require.Equal(t, "gho_exampleAccessToken", plaintext)
}

func TestEncryptIsRandomized(t *testing.T) {
	box := New([]byte("a-very-secret-value-used-in-tests"))

	a, err := box.Encrypt("same-plaintext")
	require.NoError(t, err)
	b, err := box.Encrypt("same-plaintext")
	require.NoError(t, err)

	require.NotEqual(t, a, b)
}

func TestDecryptRejectsTampering(t *testing.T) {
	box := New([]byte("a-very-secret-value-used-in-tests"))

	encoded, err := box.Encrypt("gho_exampleAccessToken")
	require.NoError(t, err)

	parts := strings.Split(encoded, ":")
	parts[2] = "00" + parts[2][2:]
	tampered := strings.Join(parts, ":")

	_, err = box.Decrypt(tampered)
	require.Error(t, err)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	box := New([]byte("a-very-secret-value-used-in-tests"))

	_, err := box.Decrypt("not-enough-parts")
	require.Error(t, err)
}

func TestDifferentKeysCannotCrossDecrypt(t *testing.T) {
	boxA := New([]byte("key-a-key-a-key-a-key-a-key-a"))
	boxB := New([]byte("key-b-key-b-key-b-key-b-key-b"))

	encoded, err := boxA.Encrypt("secret")
	require.NoError(t, err)

	_, err = boxB.Decrypt(encoded)
	require.Error(t, err)
}
