package pki_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironra/pki"
	"github.com/jmcleod/ironra/storage/memory"
)

func newAuthority(t *testing.T) *pki.Authority {
	t.Helper()
	a := pki.New(memory.NewRepository())
	require.NoError(t, a.Init(t.Context(), pkix.Name{
		CommonName:   "IronRA Test CA",
		Organization: []string{"Example"},
		Country:      []string{"US"},
	}, 10))
	return a
}

func newCSR(t *testing.T, cn string, emails ...string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:        pkix.Name{CommonName: cn},
		EmailAddresses: emails,
	}, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

func parseCert(t *testing.T, certPEM string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(certPEM))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestInit(t *testing.T) {
	a := newAuthority(t)
	ctx := t.Context()

	info, err := a.Info(ctx)
	require.NoError(t, err)
	assert.Contains(t, info.Subject, "CN=IronRA Test CA")
	assert.Contains(t, info.Subject, "O=Example")
	assert.Equal(t, int64(2), info.NextSerial)
	assert.Equal(t, int64(1), info.CRLNumber, "Init generates CRL #1")
	assert.Equal(t, 0, info.CertCount)

	certPEM, err := a.CACertificate(ctx)
	require.NoError(t, err)
	parsed, err := pki.ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	assert.Equal(t, "01", parsed.SerialNumber)
	assert.Equal(t, "ECDSA P-256", parsed.KeyAlgorithm)
	assert.True(t, parseCert(t, certPEM).IsCA)

	crl, err := a.LoadCRL(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(crl), "BEGIN X509 CRL")
}

func TestInit_AlreadyInitialized(t *testing.T) {
	a := newAuthority(t)
	err := a.Init(t.Context(), pkix.Name{CommonName: "again"}, 1)
	assert.ErrorIs(t, err, pki.ErrAlreadyCA)
	assert.NoError(t, a.EnsureInit(t.Context(), pkix.Name{CommonName: "again"}, 1))
}

func TestNotInitialized(t *testing.T) {
	a := pki.New(memory.NewRepository())
	ctx := t.Context()

	_, err := a.CACertificate(ctx)
	assert.ErrorIs(t, err, pki.ErrNotCA)
	_, err = a.LoadCRL(ctx)
	assert.ErrorIs(t, err, pki.ErrNotCA)
	_, err = a.SignCSR(ctx, pki.SignRequest{CSRPEM: newCSR(t, "x")})
	assert.ErrorIs(t, err, pki.ErrNotCA)
}

func TestSignCSR(t *testing.T) {
	a := newAuthority(t)
	ctx := t.Context()

	docSigning := asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 10, 3, 12}
	issued, err := a.SignCSR(ctx, pki.SignRequest{
		RequestID:          "REQ-1",
		CSRPEM:             newCSR(t, "Alice Example", "alice@example.com"),
		ValidityDays:       30,
		KeyUsage:           x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsages:       []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		UnknownExtKeyUsage: []asn1.ObjectIdentifier{docSigning},
	})
	require.NoError(t, err)
	assert.Equal(t, "02", issued.SerialNumber)
	assert.Equal(t, pki.StatusActive, issued.Status)
	assert.Equal(t, "CN=Alice Example", issued.Subject)

	cert := parseCert(t, issued.CertificatePEM)
	assert.Equal(t, "IronRA Test CA", cert.Issuer.CommonName)
	assert.Equal(t, []string{"alice@example.com"}, cert.EmailAddresses)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}, cert.ExtKeyUsage)
	require.Len(t, cert.UnknownExtKeyUsage, 1)
	assert.True(t, cert.UnknownExtKeyUsage[0].Equal(docSigning))
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageContentCommitment)

	caPEM, err := a.CACertificate(ctx)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(parseCert(t, caPEM))
	_, err = cert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}})
	assert.NoError(t, err)

	byReq, err := a.CertificateForRequest(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, issued.SerialNumber, byReq.SerialNumber)

	_, err = a.CertificateForRequest(ctx, "REQ-unknown")
	assert.ErrorIs(t, err, pki.ErrCertNotFound)
}

func TestSignCSR_Rejects(t *testing.T) {
	a := newAuthority(t)
	_, err := a.SignCSR(t.Context(), pki.SignRequest{CSRPEM: "garbage"})
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)

	tampered := []byte(newCSR(t, "x"))
	block, _ := pem.Decode(tampered)
	block.Bytes[len(block.Bytes)-1] ^= 0xff
	_, err = a.SignCSR(t.Context(), pki.SignRequest{CSRPEM: string(pem.EncodeToMemory(block))})
	assert.Error(t, err)
}

func TestSignCSR_UniqueSerials(t *testing.T) {
	a := newAuthority(t)
	csrs := make([]string, 8)
	for i := range csrs {
		csrs[i] = newCSR(t, "host")
	}

	var (
		mu      sync.Mutex
		serials = map[string]bool{}
		wg      sync.WaitGroup
	)
	for _, c := range csrs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			issued, err := a.SignCSR(t.Context(), pki.SignRequest{CSRPEM: c})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			serials[issued.SerialNumber] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, serials, len(csrs))

	info, err := a.Info(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(2+len(csrs)), info.NextSerial)
	assert.Equal(t, len(csrs), info.CertCount)
}

func TestRevoke(t *testing.T) {
	a := newAuthority(t)
	ctx := t.Context()
	issued, err := a.SignCSR(ctx, pki.SignRequest{CSRPEM: newCSR(t, "Bob")})
	require.NoError(t, err)

	revoked, err := a.Revoke(ctx, "2", pki.ReasonKeyCompromise, "officer")
	require.NoError(t, err)
	assert.Equal(t, pki.StatusRevoked, revoked.Status)
	assert.Equal(t, "officer", revoked.RevokedBy)
	require.NotNil(t, revoked.RevokedAt)

	_, err = a.Revoke(ctx, issued.SerialNumber, pki.ReasonKeyCompromise, "officer")
	assert.ErrorIs(t, err, pki.ErrCertAlreadyRevoked)

	_, err = a.Revoke(ctx, "ff", pki.ReasonUnspecified, "officer")
	assert.ErrorIs(t, err, pki.ErrCertNotFound)

	crlPEM, err := a.LoadCRL(ctx)
	require.NoError(t, err)
	block, _ := pem.Decode(crlPEM)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, crl.RevokedCertificateEntries[0].SerialNumber.Cmp(big.NewInt(2)))
	assert.Equal(t, pki.ReasonKeyCompromise, crl.RevokedCertificateEntries[0].ReasonCode)
	assert.Equal(t, 0, crl.Number.Cmp(big.NewInt(2)))

	caPEM, err := a.CACertificate(ctx)
	require.NoError(t, err)
	assert.NoError(t, crl.CheckSignatureFrom(parseCert(t, caPEM)))

	got, err := a.Certificate(ctx, "02")
	require.NoError(t, err)
	assert.Equal(t, pki.StatusRevoked, got.Status)
}

func TestReasonCode(t *testing.T) {
	tests := map[string]int{
		"keyCompromise":          pki.ReasonKeyCompromise,
		"KEY_COMPROMISE":         pki.ReasonKeyCompromise,
		"superseded":             pki.ReasonSuperseded,
		"Cessation of Operation": pki.ReasonCessationOfOperation,
		"laptop stolen":          pki.ReasonUnspecified,
		"":                       pki.ReasonUnspecified,
	}
	for in, want := range tests {
		assert.Equal(t, want, pki.ReasonCode(in), in)
	}
}

func TestSignerSurvivesRestart(t *testing.T) {
	repo := memory.NewRepository()
	ctx := t.Context()
	first := pki.New(repo)
	require.NoError(t, first.Init(ctx, pkix.Name{CommonName: "Persistent CA"}, 1))

	// A new Authority over the same repository imports the stored key.
	second := pki.New(repo)
	issued, err := second.SignCSR(ctx, pki.SignRequest{CSRPEM: newCSR(t, "Carol")})
	require.NoError(t, err)

	caPEM, err := first.CACertificate(ctx)
	require.NoError(t, err)
	assert.NoError(t, parseCert(t, issued.CertificatePEM).CheckSignatureFrom(parseCert(t, caPEM)))
}

func TestParseCertificatePEM_Invalid(t *testing.T) {
	_, err := pki.ParseCertificatePEM("nope")
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}

func TestSoftwareKeyStore(t *testing.T) {
	ks := pki.NewSoftwareKeyStore()
	id, err := ks.GenerateKey()
	require.NoError(t, err)

	signer, err := ks.Signer(id)
	require.NoError(t, err)
	assert.IsType(t, &ecdsa.PublicKey{}, signer.Public())

	keyPEM, err := ks.ExportPEM(id)
	require.NoError(t, err)
	assert.Contains(t, keyPEM, "BEGIN EC PRIVATE KEY")

	imported, err := ks.ImportPEM(keyPEM)
	require.NoError(t, err)
	assert.NotEqual(t, id, imported)
	s2, err := ks.Signer(imported)
	require.NoError(t, err)
	assert.True(t, signer.Public().(*ecdsa.PublicKey).Equal(s2.Public()))

	require.NoError(t, ks.Delete(id))
	_, err = ks.Signer(id)
	assert.ErrorIs(t, err, pki.ErrKeyNotFound)
}

func TestSoftwareKeyStore_ImportPKCS8(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	ks := pki.NewSoftwareKeyStore()
	_, err = ks.ImportPEM(string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})))
	assert.NoError(t, err)

	_, err = ks.ImportPEM("-----BEGIN FOO-----\nAAAA\n-----END FOO-----\n")
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
	_, err = ks.ImportPEM("not pem")
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}
