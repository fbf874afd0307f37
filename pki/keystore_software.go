package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
)

// SoftwareKeyStore keeps ECDSA P-256 keys in memory.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
	seq  int
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns an empty SoftwareKeyStore.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{keys: make(map[string]*ecdsa.PrivateKey)}
}

func (s *SoftwareKeyStore) add(priv *ecdsa.PrivateKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = priv
	return id
}

func (s *SoftwareKeyStore) get(keyID string) (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	priv, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return priv, nil
}

// GenerateKey creates a new P-256 key.
func (s *SoftwareKeyStore) GenerateKey() (string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating ECDSA P-256 key: %w", err)
	}
	return s.add(priv), nil
}

func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	priv, err := s.get(keyID)
	if err != nil {
		return nil, err
	}
	return priv, nil
}

// ExportPEM encodes the key as SEC1 "EC PRIVATE KEY".
func (s *SoftwareKeyStore) ExportPEM(keyID string) (string, error) {
	priv, err := s.get(keyID)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), nil
}

// ImportPEM accepts SEC1 and PKCS#8 ECDSA keys.
func (s *SoftwareKeyStore) ImportPEM(pemData string) (string, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return "", fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}

	var priv *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		priv = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return "", fmt.Errorf("%w: not an ECDSA key", ErrInvalidPEM)
		}
		priv = ec
	default:
		return "", fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
	return s.add(priv), nil
}

func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
