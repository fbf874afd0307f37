// Package csrtest builds certificate signing requests for tests.
package csrtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Subject describes the requested subject.
type Subject struct {
	CommonName         string
	Email              string
	SANEmail           string
	OrganizationalUnit string
	Organization       string
	Country            string
}

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

var (
	rsaMu   sync.Mutex
	rsaKeys = map[int]*rsa.PrivateKey{}
)

// RSAKey returns an RSA key of the given size. Keys are cached per size
// for the life of the test binary; use FreshRSAKey for a distinct key.
func RSAKey(t testing.TB, bits int) *rsa.PrivateKey {
	t.Helper()
	rsaMu.Lock()
	defer rsaMu.Unlock()
	if k, ok := rsaKeys[bits]; ok {
		return k
	}
	k := FreshRSAKey(t, bits)
	rsaKeys[bits] = k
	return k
}

// FreshRSAKey generates a new RSA key.
func FreshRSAKey(t testing.TB, bits int) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)
	return k
}

// ECKey generates a new ECDSA key on curve.
func ECKey(t testing.TB, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	return k
}

// Ed25519Key generates a new Ed25519 key.
func Ed25519Key(t testing.TB) ed25519.PrivateKey {
	t.Helper()
	_, k, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return k
}

// DER returns a DER-encoded CSR for subject signed by key.
func DER(t testing.TB, key crypto.Signer, s Subject) []byte {
	t.Helper()
	name := pkix.Name{CommonName: s.CommonName}
	if s.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{s.OrganizationalUnit}
	}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.Email != "" {
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  oidEmailAddress,
			Value: asn1.RawValue{Tag: asn1.TagIA5String, Bytes: []byte(s.Email)},
		})
	}
	tmpl := &x509.CertificateRequest{Subject: name}
	if s.SANEmail != "" {
		tmpl.EmailAddresses = []string{s.SANEmail}
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	require.NoError(t, err)
	return der
}

// PEM returns a PEM-encoded CSR for subject signed by key.
func PEM(t testing.TB, key crypto.Signer, s Subject) string {
	t.Helper()
	return EncodePEM(DER(t, key, s))
}

// EncodePEM wraps DER bytes in a CERTIFICATE REQUEST block.
func EncodePEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

// Tampered returns a PEM CSR whose signature no longer verifies.
func Tampered(t testing.TB, key crypto.Signer, s Subject) string {
	t.Helper()
	der := DER(t, key, s)
	der[len(der)-1] ^= 0xFF
	return EncodePEM(der)
}
