package pki

import (
	"crypto"
	"errors"
)

// KeyStore holds the CA private key. The Authority persists the key as
// PEM in its repository and imports it back on first use, so an
// implementation only needs to keep keys for the life of the process.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns its identifier.
	GenerateKey() (keyID string, err error)

	// Signer returns a crypto.Signer for keyID.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key PEM encoded.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads a PEM-encoded private key and returns its identifier.
	ImportPEM(pemData string) (keyID string, err error)

	// Delete forgets keyID.
	Delete(keyID string) error
}

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")
