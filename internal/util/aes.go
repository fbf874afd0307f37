package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	AESKeySize = 32
	// GCMIVSize is the IV length clients prepend to challenge responses.
	GCMIVSize = 12
)

func newGCM(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// SealGCM encrypts plainText with AES-256-GCM and returns iv || ciphertext || tag.
func SealGCM(plainText, rawKey []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, GCMIVSize)
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}
	return gcm.Seal(iv, iv, plainText, nil), nil
}

// OpenGCM reverses SealGCM.
func OpenGCM(sealed, rawKey []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < GCMIVSize+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(sealed))
	}
	iv, body := sealed[:GCMIVSize], sealed[GCMIVSize:]
	plainText, err := gcm.Open(nil, iv, body, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}
	return plainText, nil
}
