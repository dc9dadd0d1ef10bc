package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	plaintext := []byte("sensitive chunk payload")

	for _, algo := range []Encryption{EncryptionAES256GCM, EncryptionChaCha20Poly1305} {
		t.Run(algo.String(), func(t *testing.T) {
			key, err := GenerateKey()
			require.NoError(t, err)

			sealed, err := Seal(algo, key, plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, plaintext, sealed)

			opened, err := Open(algo, key, sealed)
			require.NoError(t, err)
			assert.Equal(t, plaintext, opened)

			// Wrong key must fail authentication
			other, err := GenerateKey()
			require.NoError(t, err)
			_, err = Open(algo, other, sealed)
			assert.ErrorIs(t, err, ErrEncryption)

			// Truncated ciphertext
			_, err = Open(algo, key, sealed[:4])
			assert.ErrorIs(t, err, ErrEncryption)
		})
	}
}

func TestSealRejectsBadKeys(t *testing.T) {
	_, err := Seal(EncryptionAES256GCM, []byte("short"), []byte("data"))
	assert.ErrorIs(t, err, ErrEncryption)

	_, err = Seal(Encryption(9), make([]byte, KeySize), []byte("data"))
	assert.ErrorIs(t, err, ErrEncryption)
}

func TestSealNoneIsPassthrough(t *testing.T) {
	data := []byte("clear")
	sealed, err := Seal(EncryptionNone, nil, data)
	require.NoError(t, err)
	assert.Equal(t, data, sealed)

	opened, err := Open(EncryptionNone, nil, sealed)
	require.NoError(t, err)
	assert.Equal(t, data, opened)
}

func TestParseAlgorithms(t *testing.T) {
	c, err := ParseCompression("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	_, err = ParseCompression("brotli")
	assert.ErrorIs(t, err, ErrCompression)

	e, err := ParseEncryption("aes-256-gcm")
	require.NoError(t, err)
	assert.Equal(t, EncryptionAES256GCM, e)

	_, err = ParseEncryption("rot13")
	assert.ErrorIs(t, err, ErrEncryption)
}
