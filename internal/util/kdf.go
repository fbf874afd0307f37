package util

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations matches the enrollment client's key derivation.
	PBKDF2Iterations = 10000
)

// DeriveResponseKey derives the AES-256 key a client uses to seal its
// challenge response: PBKDF2-HMAC-SHA256(password, salt, 10000, 32).
func DeriveResponseKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(Normalize(password)), salt, PBKDF2Iterations, AESKeySize, sha256.New)
}
