// Package ca connects the registration authority to a certificate
// authority. Calls are single attempt; the caller decides what to do with
// a failure.
package ca

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Retrieve and Status when the CA has no
// certificate for the given reference.
var ErrNotFound = errors.New("certificate not found at CA")

// SubmitRequest is what the RA forwards to the CA for an approved request.
type SubmitRequest struct {
	RequestID       string `json:"requestId"`
	CSRPEM          string `json:"csrPem"`
	SubjectDN       string `json:"subjectDN"`
	CertificateType string `json:"certificateType"`
	Username        string `json:"username"`
}

// Issued is the certificate returned by the CA.
type Issued struct {
	SerialNumber   string `json:"certificateSerialNumber"`
	CertificatePEM string `json:"certificatePem"`
}

// Connector is the contract the RA expects from a CA.
type Connector interface {
	// Submit asks the CA to issue a certificate.
	Submit(ctx context.Context, req SubmitRequest) (Issued, error)
	// Retrieve returns the PEM certificate issued for requestID.
	Retrieve(ctx context.Context, requestID string) (string, error)
	// Revoke revokes the certificate with the given serial. A false result
	// with a nil error means the CA refused.
	Revoke(ctx context.Context, serial, reason, revokedBy string) (bool, error)
	// Status reports the CA's view of a certificate (VALID, REVOKED,
	// EXPIRED).
	Status(ctx context.Context, serial string) (string, error)
}

// Certificate status values reported by Status.
const (
	StatusValid   = "VALID"
	StatusRevoked = "REVOKED"
	StatusExpired = "EXPIRED"
)
