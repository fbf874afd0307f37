package ledger

import (
	"time"

	"github.com/jmcleod/ironra/identity"
)

// CertificateType is the profile a certificate is requested for. Unknown
// values are stored as given but never auto-approved or authorized.
type CertificateType string

const (
	TypeUserAuthentication   CertificateType = "USER_AUTHENTICATION"
	TypeEmailSigning         CertificateType = "EMAIL_SIGNING"
	TypeDocumentSigning      CertificateType = "DOCUMENT_SIGNING"
	TypeCodeSigning          CertificateType = "CODE_SIGNING"
	TypeServerAuthentication CertificateType = "SERVER_AUTHENTICATION"
)

// Known reports whether t is one of the defined certificate types.
func (t CertificateType) Known() bool {
	switch t {
	case TypeUserAuthentication, TypeEmailSigning, TypeDocumentSigning,
		TypeCodeSigning, TypeServerAuthentication:
		return true
	}
	return false
}

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusIssued   Status = "ISSUED"
	StatusRevoked  Status = "REVOKED"
)

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusApproved, StatusRejected, StatusIssued, StatusRevoked:
		return st, true
	}
	return "", false
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusIssued},
	StatusIssued:   {StatusRevoked},
}

// CanTransition reports whether a request may move from one status to
// another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AutoApprover is recorded as the approver of automatically approved
// requests.
const AutoApprover = "SYSTEM_AUTO_APPROVAL"

// Request is a certificate request. Requests are never deleted.
type Request struct {
	RequestID         string          `json:"request_id"`
	Username          string          `json:"username"`
	CSRPEM            string          `json:"csr_pem"`
	CertificateType   CertificateType `json:"certificate_type"`
	SubjectDN         string          `json:"subject_dn"`
	Status            Status          `json:"status"`
	SubmittedAt       time.Time       `json:"submitted_at"`
	ApprovedAt        *time.Time      `json:"approved_at,omitempty"`
	ApprovedBy        string          `json:"approved_by,omitempty"`
	RejectedAt        *time.Time      `json:"rejected_at,omitempty"`
	RejectedBy        string          `json:"rejected_by,omitempty"`
	RejectionReason   string          `json:"rejection_reason,omitempty"`
	IssuedAt          *time.Time      `json:"issued_at,omitempty"`
	CertificateSerial string          `json:"certificate_serial,omitempty"`
	CertificatePEM    string          `json:"certificate_pem,omitempty"`
	RevokedAt         *time.Time      `json:"revoked_at,omitempty"`
	RevocationReason  string          `json:"revocation_reason,omitempty"`
	PublicKeyHash     string          `json:"public_key_hash,omitempty"`
	Comments          string          `json:"comments,omitempty"`

	// Version is the storage version the request was read at.
	Version uint64 `json:"-"`
}

// EvaluateAutoApproval reports whether req may be approved without an
// officer. User authentication and email signing need the END_ENTITY
// role, document signing needs membership of a Document-Signing group,
// and everything else needs manual review.
func EvaluateAutoApproval(req *Request, claims identity.Claims) bool {
	switch req.CertificateType {
	case TypeUserAuthentication, TypeEmailSigning:
		return claims.HasRole(identity.RoleEndEntity)
	case TypeDocumentSigning:
		return claims.InGroupContaining("Document-Signing")
	default:
		return false
	}
}

// IsAuthorizedForType reports whether the identity may request certType.
// Code signing and server authentication are not self-service.
func IsAuthorizedForType(claims identity.Claims, certType CertificateType) bool {
	if claims.Username == "" {
		return false
	}
	switch certType {
	case TypeUserAuthentication, TypeEmailSigning, TypeDocumentSigning:
		return true
	default:
		return false
	}
}
