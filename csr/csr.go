// Package csr parses PKCS#10 certificate signing requests and checks them
// against the enrollment policy: proof of possession, subject match with
// the requesting identity, key strength and public-key reuse.
package csr

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jmcleod/ironra/identity"
	"github.com/jmcleod/ironra/keyregistry"
	"github.com/jmcleod/ironra/raerr"
)

const (
	// MinRSABits applies to user, email, document and unrecognized types.
	MinRSABits = 2048
	// MinRSABitsStrong applies to code-signing and server-authentication.
	MinRSABitsStrong = 3072
	// MinECBits is the minimum curve order size.
	MinECBits = 256
)

var (
	// ErrNoPEM is returned when the input contains no PEM block.
	ErrNoPEM = errors.New("no PEM block found")
	// ErrWrongType is returned when the PEM block is not a CSR.
	ErrWrongType = errors.New("PEM block is not a certificate request")
)

var strongKeyTypes = map[string]bool{
	"CODE_SIGNING":          true,
	"SERVER_AUTHENTICATION": true,
}

// MinimumRSABits returns the RSA modulus size required for certType.
func MinimumRSABits(certType string) int {
	if strongKeyTypes[strings.ToUpper(certType)] {
		return MinRSABitsStrong
	}
	return MinRSABits
}

// Parse decodes a PEM-encoded PKCS#10 request. Failures are format errors.
func Parse(pemData string) (*x509.CertificateRequest, error) {
	const op = "csr.Parse"
	if strings.TrimSpace(pemData) == "" {
		return nil, raerr.Newf(op, raerr.KindFormat, "CSR data is required")
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, raerr.New(op, raerr.KindFormat, ErrNoPEM)
	}
	if block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST" {
		return nil, raerr.New(op, raerr.KindFormat, fmt.Errorf("%w: %s", ErrWrongType, block.Type))
	}
	req, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, raerr.New(op, raerr.KindFormat, fmt.Errorf("invalid PKCS#10 CSR: %w", err))
	}
	return req, nil
}

// VerifyProofOfPossession reports whether req's self-signature verifies
// against its own public key.
func VerifyProofOfPossession(req *x509.CertificateRequest) bool {
	return req.CheckSignature() == nil
}

// ValidateKeyStrength checks the public key algorithm and size for certType.
func ValidateKeyStrength(req *x509.CertificateRequest, certType string) Result {
	var r Result
	switch pub := req.PublicKey.(type) {
	case *rsa.PublicKey:
		bits := pub.N.BitLen()
		if want := MinimumRSABits(certType); bits < want {
			r.Add("RSA key size too small: minimum %d bits required for certificate type %q, got %d bits", want, certType, bits)
		}
	case *ecdsa.PublicKey:
		bits := pub.Curve.Params().N.BitLen()
		if bits < MinECBits {
			r.Add("EC key size too small: minimum %d bits required, got %d bits", MinECBits, bits)
		}
	default:
		r.Add("Unsupported key algorithm: %s (only RSA and EC are supported)", req.PublicKeyAlgorithm)
	}
	return r
}

// Fingerprint returns the Base64 SHA-256 digest of req's public key.
func Fingerprint(req *x509.CertificateRequest) (string, error) {
	return keyregistry.Fingerprint(req.PublicKey)
}

// KeyChecker reports whether a fingerprint may not be reused.
type KeyChecker interface {
	IsRegistered(ctx context.Context, fingerprint string) (bool, error)
}

// Validator runs the full CSR policy.
type Validator struct {
	keys   KeyChecker
	logger *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the validator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// NewValidator returns a Validator that consults keys for reuse.
func NewValidator(keys KeyChecker, opts ...Option) *Validator {
	v := &Validator{
		keys:   keys,
		logger: slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "csr")
	return v
}

// IsKeyReused reports whether req's public key is in use or blacklisted.
// Any failure to complete the check counts as reused.
func (v *Validator) IsKeyReused(ctx context.Context, req *x509.CertificateRequest) bool {
	fp, err := Fingerprint(req)
	if err != nil {
		v.logger.Error("computing public key fingerprint", "error", err)
		return true
	}
	registered, err := v.keys.IsRegistered(ctx, fp)
	if err != nil {
		v.logger.Error("checking public key registry", "fingerprint", fp, "error", err)
		return true
	}
	if registered {
		v.logger.Warn("public key already used or blacklisted", "fingerprint", fp)
	}
	return registered
}

// Checked is a CSR that passed every policy check.
type Checked struct {
	Request     *x509.CertificateRequest
	Subject     Subject
	Fingerprint string
}

// Validate parses pemData and applies the whole policy for certType and
// the requesting identity. Subject and key-strength violations are
// reported together.
func (v *Validator) Validate(ctx context.Context, pemData, certType string, claims identity.Claims) (*Checked, error) {
	const op = "csr.Validate"
	req, err := Parse(pemData)
	if err != nil {
		return nil, err
	}
	if !VerifyProofOfPossession(req) {
		return nil, raerr.Invalid(op, []string{"CSR signature verification failed"})
	}

	subject := ExtractSubject(req)
	result := ValidateSubjectAgainstIdentity(subject, claims)
	result.Merge(ValidateKeyStrength(req, certType))
	if err := result.Err(op); err != nil {
		return nil, err
	}

	if v.IsKeyReused(ctx, req) {
		return nil, raerr.New(op, raerr.KindConflict, raerr.ErrKeyReused)
	}
	fp, err := Fingerprint(req)
	if err != nil {
		return nil, raerr.New(op, raerr.KindInternal, err)
	}
	return &Checked{Request: req, Subject: subject, Fingerprint: fp}, nil
}
