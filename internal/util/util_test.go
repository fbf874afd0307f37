package util

import (
	"bytes"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCM(t *testing.T) {
	key, err := RandomBytes(AESKeySize)
	require.NoError(t, err)
	plainText := []byte("challenge nonce")

	t.Run("SealOpen", func(t *testing.T) {
		sealed, err := SealGCM(plainText, key)
		require.NoError(t, err)
		assert.Len(t, sealed, GCMIVSize+len(plainText)+16)

		opened, err := OpenGCM(sealed, key)
		require.NoError(t, err)
		assert.Equal(t, plainText, opened)
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		sealed, _ := SealGCM(plainText, key)
		sealed[len(sealed)-1] ^= 0xFF
		_, err := OpenGCM(sealed, key)
		assert.Error(t, err)
	})

	t.Run("WrongKey", func(t *testing.T) {
		sealed, _ := SealGCM(plainText, key)
		other, _ := RandomBytes(AESKeySize)
		_, err := OpenGCM(sealed, other)
		assert.Error(t, err)
	})

	t.Run("TooShort", func(t *testing.T) {
		_, err := OpenGCM([]byte("short"), key)
		assert.Error(t, err)
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := SealGCM(plainText, []byte("too short"))
		assert.Error(t, err)
	})
}

func TestDeriveResponseKey(t *testing.T) {
	salt := []byte("0123456789abcdef")
	k1 := DeriveResponseKey("correct horse", salt)
	k2 := DeriveResponseKey("correct horse", salt)
	k3 := DeriveResponseKey("correct horse", []byte("fedcba9876543210"))

	assert.Len(t, k1, AESKeySize)
	assert.True(t, bytes.Equal(k1, k2), "derivation must be deterministic")
	assert.False(t, bytes.Equal(k1, k3), "salt must change the key")
}

func TestBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	assert.Equal(t, []byte{0, 0, 0}, b)

	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "abc", Truncate("abc", 10))
	// "é" is two bytes; cutting in the middle must back off.
	assert.Equal(t, "a", Truncate("aé", 2))
}

func TestEncoding(t *testing.T) {
	enc := B64Encode([]byte("hello"))
	dec, err := B64Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(dec))

	// NFKD decomposes the ligature.
	assert.Equal(t, "fi", Normalize("ﬁ"))
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	require.NoError(t, err)
	b, err := RandomBytes(32)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "ironra", parsed.Subject.CommonName)
	assert.Contains(t, parsed.DNSNames, "localhost")
}
