// Package pki is a small local Certificate Authority for development and
// single-node deployments. CA state, issued certificates and revocations
// live in a storage.Repository; the CA key is held by a KeyStore.
package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/ironra/storage"
)

var (
	// ErrNotCA is returned when the authority has not been initialized.
	ErrNotCA = errors.New("certificate authority is not initialized")

	// ErrAlreadyCA is returned when Init is called on an initialized
	// authority.
	ErrAlreadyCA = errors.New("certificate authority is already initialized")

	// ErrCertNotFound is returned when no issued certificate matches.
	ErrCertNotFound = errors.New("certificate not found")

	// ErrCertAlreadyRevoked is returned when revoking a revoked certificate.
	ErrCertAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrNoCRL is returned when no CRL has been generated yet.
	ErrNoCRL = errors.New("no CRL has been generated")
)

const (
	namespace   = "pki"
	kindCA      = "CA"
	kindCert    = "CERT"
	kindRequest = "REQUEST"
	kindCRL     = "CRL"
	caID        = "state"
	crlID       = "current"

	crlValidity = 7 * 24 * time.Hour
)

// Certificate status values.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// CRL reason codes (RFC 5280 section 5.3.1).
const (
	ReasonUnspecified          = 0
	ReasonKeyCompromise        = 1
	ReasonCACompromise         = 2
	ReasonAffiliationChanged   = 3
	ReasonSuperseded           = 4
	ReasonCessationOfOperation = 5
	ReasonCertificateHold      = 6
	ReasonPrivilegeWithdrawn   = 9
)

var reasonCodes = map[string]int{
	"unspecified":          ReasonUnspecified,
	"keycompromise":        ReasonKeyCompromise,
	"cacompromise":         ReasonCACompromise,
	"affiliationchanged":   ReasonAffiliationChanged,
	"superseded":           ReasonSuperseded,
	"cessationofoperation": ReasonCessationOfOperation,
	"certificatehold":      ReasonCertificateHold,
	"privilegewithdrawn":   ReasonPrivilegeWithdrawn,
}

// ReasonCode maps a revocation reason such as "keyCompromise" or
// "KEY_COMPROMISE" to its CRL reason code. Free-text reasons map to
// ReasonUnspecified.
func ReasonCode(reason string) int {
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(reason))
	if code, ok := reasonCodes[key]; ok {
		return code
	}
	return ReasonUnspecified
}

// caRecord is the persisted CA: metadata, certificate and key.
type caRecord struct {
	Subject    string    `json:"subject"`
	NotBefore  time.Time `json:"not_before"`
	NotAfter   time.Time `json:"not_after"`
	NextSerial int64     `json:"next_serial"`
	CRLNumber  int64     `json:"crl_number"`
	CertPEM    string    `json:"cert_pem"`
	KeyPEM     string    `json:"key_pem"`
}

// Info is the public description of the CA.
type Info struct {
	Subject    string    `json:"subject"`
	NotBefore  time.Time `json:"not_before"`
	NotAfter   time.Time `json:"not_after"`
	NextSerial int64     `json:"next_serial"`
	CRLNumber  int64     `json:"crl_number"`
	CertCount  int       `json:"cert_count"`
}

// IssuedCert is a certificate signed by the authority.
type IssuedCert struct {
	SerialNumber   string     `json:"serial_number"`
	RequestID      string     `json:"request_id,omitempty"`
	Subject        string     `json:"subject"`
	CertificatePEM string     `json:"certificate_pem"`
	NotBefore      time.Time  `json:"not_before"`
	NotAfter       time.Time  `json:"not_after"`
	Status         string     `json:"status"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokedBy      string     `json:"revoked_by,omitempty"`
	ReasonCode     int        `json:"reason_code,omitempty"`
}

// SignRequest describes a CSR to sign.
type SignRequest struct {
	RequestID    string
	CSRPEM       string
	ValidityDays int
	KeyUsage     x509.KeyUsage
	ExtKeyUsages []x509.ExtKeyUsage
	// UnknownExtKeyUsage carries extended key usages without a
	// crypto/x509 constant.
	UnknownExtKeyUsage []asn1.ObjectIdentifier
}

// Authority is a local certificate authority.
type Authority struct {
	repo storage.Repository
	ks   KeyStore
	now  func() time.Time

	mu     sync.Mutex
	keyID  string
	keyPEM string
}

// Option configures an Authority.
type Option func(*Authority)

// WithKeyStore sets the key store used for the CA key.
func WithKeyStore(ks KeyStore) Option {
	return func(a *Authority) { a.ks = ks }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// New returns an Authority persisting to repo. Call Init (or EnsureInit)
// before signing.
func New(repo storage.Repository, opts ...Option) *Authority {
	a := &Authority{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	if a.ks == nil {
		a.ks = NewSoftwareKeyStore()
	}
	return a
}

// Init creates the CA: a P-256 key and a self-signed certificate with
// serial 1. Issued certificates start at serial 2.
func (a *Authority) Init(ctx context.Context, subject pkix.Name, validityYears int) error {
	if _, _, err := a.loadCA(ctx); err == nil {
		return ErrAlreadyCA
	} else if !errors.Is(err, ErrNotCA) {
		return err
	}

	keyID, err := a.ks.GenerateKey()
	if err != nil {
		return fmt.Errorf("generating CA key: %w", err)
	}
	signer, err := a.ks.Signer(keyID)
	if err != nil {
		return fmt.Errorf("getting CA signer: %w", err)
	}

	now := a.now().UTC().Truncate(time.Second)
	notAfter := now.AddDate(validityYears, 0, 0)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return fmt.Errorf("creating CA certificate: %w", err)
	}
	keyPEM, err := a.ks.ExportPEM(keyID)
	if err != nil {
		return fmt.Errorf("exporting CA private key: %w", err)
	}

	ca := &caRecord{
		Subject:    subjectString(subject),
		NotBefore:  now,
		NotAfter:   notAfter,
		NextSerial: 2,
		CertPEM:    encodeCertPEM(der),
		KeyPEM:     keyPEM,
	}
	rec, err := storage.Encode(ca, 1)
	if err != nil {
		return err
	}
	if err := a.repo.PutCAS(ctx, namespace, kindCA, caID, 0, rec); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return ErrAlreadyCA
		}
		return fmt.Errorf("storing CA: %w", err)
	}

	a.mu.Lock()
	a.keyID, a.keyPEM = keyID, keyPEM
	a.mu.Unlock()

	// An initial empty CRL lets LoadCRL answer immediately.
	if _, err := a.GenerateCRL(ctx); err != nil {
		return fmt.Errorf("generating initial CRL: %w", err)
	}
	return nil
}

// EnsureInit initializes the CA unless it already exists.
func (a *Authority) EnsureInit(ctx context.Context, subject pkix.Name, validityYears int) error {
	err := a.Init(ctx, subject, validityYears)
	if errors.Is(err, ErrAlreadyCA) {
		return nil
	}
	return err
}

func (a *Authority) loadCA(ctx context.Context) (*caRecord, uint64, error) {
	rec, err := a.repo.Get(ctx, namespace, kindCA, caID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, ErrNotCA
	}
	if err != nil {
		return nil, 0, fmt.Errorf("loading CA: %w", err)
	}
	var ca caRecord
	if err := rec.Decode(&ca); err != nil {
		return nil, 0, fmt.Errorf("decoding CA: %w", err)
	}
	return &ca, rec.Version, nil
}

// updateCA applies fn to the stored CA under CAS, retrying on conflicts.
func (a *Authority) updateCA(ctx context.Context, fn func(*caRecord) error) (*caRecord, error) {
	for {
		ca, version, err := a.loadCA(ctx)
		if err != nil {
			return nil, err
		}
		if err := fn(ca); err != nil {
			return nil, err
		}
		rec, err := storage.Encode(ca, version+1)
		if err != nil {
			return nil, err
		}
		err = a.repo.PutCAS(ctx, namespace, kindCA, caID, version, rec)
		if errors.Is(err, storage.ErrCASFailed) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("updating CA: %w", err)
		}
		return ca, nil
	}
}

// signer returns the CA certificate and a signer for its key.
func (a *Authority) signer(ca *caRecord) (*x509.Certificate, crypto.Signer, error) {
	block, _ := pem.Decode([]byte(ca.CertPEM))
	if block == nil {
		return nil, nil, fmt.Errorf("CA certificate: %w", ErrInvalidPEM)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keyID == "" || a.keyPEM != ca.KeyPEM {
		id, err := a.ks.ImportPEM(ca.KeyPEM)
		if err != nil {
			return nil, nil, fmt.Errorf("importing CA key: %w", err)
		}
		a.keyID, a.keyPEM = id, ca.KeyPEM
	}
	s, err := a.ks.Signer(a.keyID)
	if err != nil {
		return nil, nil, err
	}
	return cert, s, nil
}

// SignCSR verifies req's CSR and issues a certificate for it under the
// next serial number.
func (a *Authority) SignCSR(ctx context.Context, req SignRequest) (*IssuedCert, error) {
	block, _ := pem.Decode([]byte(req.CSRPEM))
	if block == nil || (block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST") {
		return nil, fmt.Errorf("CSR: %w", ErrInvalidPEM)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature invalid: %w", err)
	}

	var serial int64
	ca, err := a.updateCA(ctx, func(ca *caRecord) error {
		serial = ca.NextSerial
		ca.NextSerial++
		return nil
	})
	if err != nil {
		return nil, err
	}
	caCert, caSigner, err := a.signer(ca)
	if err != nil {
		return nil, err
	}

	validity := req.ValidityDays
	if validity <= 0 {
		validity = 365
	}
	now := a.now().UTC().Truncate(time.Second)
	notAfter := now.AddDate(0, 0, validity)
	if notAfter.After(caCert.NotAfter) {
		notAfter = caCert.NotAfter
	}
	keyUsage := req.KeyUsage
	if keyUsage == 0 {
		keyUsage = x509.KeyUsageDigitalSignature
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               csr.Subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		ExtKeyUsage:           req.ExtKeyUsages,
		BasicConstraintsValid: true,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		EmailAddresses:        csr.EmailAddresses,
		UnknownExtKeyUsage:    req.UnknownExtKeyUsage,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, csr.PublicKey, caSigner)
	if err != nil {
		return nil, fmt.Errorf("signing CSR: %w", err)
	}

	issued := &IssuedCert{
		SerialNumber:   serialHex(big.NewInt(serial)),
		RequestID:      req.RequestID,
		Subject:        subjectString(csr.Subject),
		CertificatePEM: encodeCertPEM(der),
		NotBefore:      now,
		NotAfter:       notAfter,
		Status:         StatusActive,
	}
	certRec, err := storage.Encode(issued, 1)
	if err != nil {
		return nil, err
	}
	err = a.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(kindCert, issued.SerialNumber, 0, certRec); err != nil {
			return err
		}
		if req.RequestID == "" {
			return nil
		}
		idx, err := storage.Encode(issued.SerialNumber, 1)
		if err != nil {
			return err
		}
		return tx.Put(kindRequest, req.RequestID, idx)
	})
	if err != nil {
		return nil, fmt.Errorf("storing issued certificate: %w", err)
	}
	return issued, nil
}

func (a *Authority) loadCert(ctx context.Context, serial string) (*IssuedCert, uint64, error) {
	rec, err := a.repo.Get(ctx, namespace, kindCert, normalizeSerial(serial))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("serial %s: %w", serial, ErrCertNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	var c IssuedCert
	if err := rec.Decode(&c); err != nil {
		return nil, 0, err
	}
	return &c, rec.Version, nil
}

// Certificate returns the certificate with the given hex serial.
func (a *Authority) Certificate(ctx context.Context, serial string) (*IssuedCert, error) {
	c, _, err := a.loadCert(ctx, serial)
	if err != nil {
		return nil, err
	}
	c.Status = a.status(c)
	return c, nil
}

// CertificateForRequest returns the certificate issued for requestID.
func (a *Authority) CertificateForRequest(ctx context.Context, requestID string) (*IssuedCert, error) {
	rec, err := a.repo.Get(ctx, namespace, kindRequest, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrCertNotFound)
	}
	if err != nil {
		return nil, err
	}
	var serial string
	if err := rec.Decode(&serial); err != nil {
		return nil, err
	}
	return a.Certificate(ctx, serial)
}

func (a *Authority) status(c *IssuedCert) string {
	if c.Status == StatusRevoked {
		return StatusRevoked
	}
	now := a.now()
	if now.Before(c.NotBefore) || now.After(c.NotAfter) {
		return StatusExpired
	}
	return StatusActive
}

// Revoke marks the certificate with the given serial revoked and
// regenerates the CRL.
func (a *Authority) Revoke(ctx context.Context, serial string, reasonCode int, revokedBy string) (*IssuedCert, error) {
	if _, _, err := a.loadCA(ctx); err != nil {
		return nil, err
	}
	c, version, err := a.loadCert(ctx, serial)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusRevoked {
		return nil, ErrCertAlreadyRevoked
	}
	now := a.now().UTC().Truncate(time.Second)
	c.Status = StatusRevoked
	c.RevokedAt = &now
	c.RevokedBy = revokedBy
	c.ReasonCode = reasonCode

	rec, err := storage.Encode(c, version+1)
	if err != nil {
		return nil, err
	}
	err = a.repo.PutCAS(ctx, namespace, kindCert, c.SerialNumber, version, rec)
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, ErrCertAlreadyRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("storing revocation: %w", err)
	}
	if _, err := a.GenerateCRL(ctx); err != nil {
		return nil, fmt.Errorf("regenerating CRL: %w", err)
	}
	return c, nil
}

func (a *Authority) certificates(ctx context.Context) ([]IssuedCert, error) {
	serials, err := a.repo.List(ctx, namespace, kindCert)
	if err != nil {
		return nil, err
	}
	out := make([]IssuedCert, 0, len(serials))
	for _, s := range serials {
		c, _, err := a.loadCert(ctx, s)
		if errors.Is(err, ErrCertNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// GenerateCRL signs a new CRL covering every revoked certificate, caches
// it and returns it PEM encoded.
func (a *Authority) GenerateCRL(ctx context.Context) ([]byte, error) {
	certs, err := a.certificates(ctx)
	if err != nil {
		return nil, err
	}
	var entries []x509.RevocationListEntry
	for _, c := range certs {
		if c.Status != StatusRevoked || c.RevokedAt == nil {
			continue
		}
		serial, ok := new(big.Int).SetString(c.SerialNumber, 16)
		if !ok {
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: *c.RevokedAt,
			ReasonCode:     c.ReasonCode,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SerialNumber.Cmp(entries[j].SerialNumber) < 0 })

	ca, err := a.updateCA(ctx, func(ca *caRecord) error {
		ca.CRLNumber++
		return nil
	})
	if err != nil {
		return nil, err
	}
	caCert, caSigner, err := a.signer(ca)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC().Truncate(time.Second)
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(ca.CRLNumber),
		ThisUpdate:                now,
		NextUpdate:                now.Add(crlValidity),
		RevokedCertificateEntries: entries,
	}, caCert, caSigner)
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}
	crlPEM := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})

	rec, err := storage.Encode(string(crlPEM), uint64(ca.CRLNumber))
	if err != nil {
		return nil, err
	}
	if err := a.repo.Put(ctx, namespace, kindCRL, crlID, rec); err != nil {
		return nil, fmt.Errorf("caching CRL: %w", err)
	}
	return crlPEM, nil
}

// LoadCRL returns the most recently generated CRL.
func (a *Authority) LoadCRL(ctx context.Context) ([]byte, error) {
	if _, _, err := a.loadCA(ctx); err != nil {
		return nil, err
	}
	rec, err := a.repo.Get(ctx, namespace, kindCRL, crlID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoCRL
	}
	if err != nil {
		return nil, fmt.Errorf("loading CRL: %w", err)
	}
	var crlPEM string
	if err := rec.Decode(&crlPEM); err != nil {
		return nil, err
	}
	return []byte(crlPEM), nil
}

// CACertificate returns the CA certificate PEM.
func (a *Authority) CACertificate(ctx context.Context) (string, error) {
	ca, _, err := a.loadCA(ctx)
	if err != nil {
		return "", err
	}
	return ca.CertPEM, nil
}

// Info returns public metadata about the CA.
func (a *Authority) Info(ctx context.Context) (*Info, error) {
	ca, _, err := a.loadCA(ctx)
	if err != nil {
		return nil, err
	}
	serials, err := a.repo.List(ctx, namespace, kindCert)
	if err != nil {
		return nil, err
	}
	return &Info{
		Subject:    ca.Subject,
		NotBefore:  ca.NotBefore,
		NotAfter:   ca.NotAfter,
		NextSerial: ca.NextSerial,
		CRLNumber:  ca.CRLNumber,
		CertCount:  len(serials),
	}, nil
}

// ParsedCertificate holds display fields of a PEM certificate.
type ParsedCertificate struct {
	Subject           string
	Issuer            string
	SerialNumber      string
	NotBefore         time.Time
	NotAfter          time.Time
	FingerprintSHA256 string
	KeyAlgorithm      string
	ExtKeyUsage       []x509.ExtKeyUsage
}

// ParseCertificatePEM decodes a PEM certificate.
func ParseCertificatePEM(certPEM string) (*ParsedCertificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	fp := sha256.Sum256(block.Bytes)
	return &ParsedCertificate{
		Subject:           subjectString(cert.Subject),
		Issuer:            subjectString(cert.Issuer),
		SerialNumber:      serialHex(cert.SerialNumber),
		NotBefore:         cert.NotBefore.UTC(),
		NotAfter:          cert.NotAfter.UTC(),
		FingerprintSHA256: hex.EncodeToString(fp[:]),
		KeyAlgorithm:      keyAlgorithm(cert),
		ExtKeyUsage:       cert.ExtKeyUsage,
	}, nil
}

func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

func keyAlgorithm(cert *x509.Certificate) string {
	if pub, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
		return "ECDSA " + pub.Curve.Params().Name
	}
	return cert.PublicKeyAlgorithm.String()
}

// serialHex renders a serial as lowercase hex with an even number of
// digits.
func serialHex(n *big.Int) string {
	return hex.EncodeToString(n.Bytes())
}

func normalizeSerial(s string) string {
	s = strings.ToLower(strings.TrimPrefix(strings.ReplaceAll(s, ":", ""), "0x"))
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return s
}

func encodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}
