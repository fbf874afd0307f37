package ca

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"errors"

	"github.com/jmcleod/ironra/pki"
	"github.com/jmcleod/ironra/raerr"
)

// DefaultValidityDays is the lifetime of certificates issued by Local.
const DefaultValidityDays = 365

var oidDocumentSigning = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 10, 3, 12}

type profile struct {
	keyUsage x509.KeyUsage
	ext      []x509.ExtKeyUsage
	unknown  []asn1.ObjectIdentifier
}

var profiles = map[string]profile{
	"USER_AUTHENTICATION": {
		keyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ext:      []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	},
	"EMAIL_SIGNING": {
		keyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ext:      []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
	},
	"DOCUMENT_SIGNING": {
		keyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		unknown:  []asn1.ObjectIdentifier{oidDocumentSigning},
	},
	"CODE_SIGNING": {
		keyUsage: x509.KeyUsageDigitalSignature,
		ext:      []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	},
	"SERVER_AUTHENTICATION": {
		keyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ext:      []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	},
}

// Local issues certificates from an in-process pki.Authority.
type Local struct {
	authority    *pki.Authority
	validityDays int
}

var _ Connector = (*Local)(nil)

// LocalOption configures a Local connector.
type LocalOption func(*Local)

// WithValidityDays sets the lifetime of issued certificates.
func WithValidityDays(days int) LocalOption {
	return func(l *Local) {
		if days > 0 {
			l.validityDays = days
		}
	}
}

// NewLocal returns a Connector backed by authority.
func NewLocal(authority *pki.Authority, opts ...LocalOption) *Local {
	l := &Local{authority: authority, validityDays: DefaultValidityDays}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Authority returns the underlying CA.
func (l *Local) Authority() *pki.Authority {
	return l.authority
}

func (l *Local) Submit(ctx context.Context, sr SubmitRequest) (Issued, error) {
	p := profiles[sr.CertificateType]
	issued, err := l.authority.SignCSR(ctx, pki.SignRequest{
		RequestID:          sr.RequestID,
		CSRPEM:             sr.CSRPEM,
		ValidityDays:       l.validityDays,
		KeyUsage:           p.keyUsage,
		ExtKeyUsages:       p.ext,
		UnknownExtKeyUsage: p.unknown,
	})
	if err != nil {
		return Issued{}, raerr.New("ca.Submit", raerr.KindExternalService, err)
	}
	return Issued{SerialNumber: issued.SerialNumber, CertificatePEM: issued.CertificatePEM}, nil
}

func (l *Local) Retrieve(ctx context.Context, requestID string) (string, error) {
	c, err := l.authority.CertificateForRequest(ctx, requestID)
	if errors.Is(err, pki.ErrCertNotFound) {
		return "", raerr.New("ca.Retrieve", raerr.KindNotFound, ErrNotFound)
	}
	if err != nil {
		return "", raerr.New("ca.Retrieve", raerr.KindExternalService, err)
	}
	return c.CertificatePEM, nil
}

func (l *Local) Revoke(ctx context.Context, serial, reason, revokedBy string) (bool, error) {
	_, err := l.authority.Revoke(ctx, serial, pki.ReasonCode(reason), revokedBy)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, pki.ErrCertNotFound), errors.Is(err, pki.ErrCertAlreadyRevoked):
		return false, nil
	default:
		return false, raerr.New("ca.Revoke", raerr.KindExternalService, err)
	}
}

func (l *Local) Status(ctx context.Context, serial string) (string, error) {
	c, err := l.authority.Certificate(ctx, serial)
	if errors.Is(err, pki.ErrCertNotFound) {
		return "", raerr.New("ca.Status", raerr.KindNotFound, ErrNotFound)
	}
	if err != nil {
		return "", raerr.New("ca.Status", raerr.KindExternalService, err)
	}
	switch c.Status {
	case pki.StatusRevoked:
		return StatusRevoked, nil
	case pki.StatusExpired:
		return StatusExpired, nil
	default:
		return StatusValid, nil
	}
}
