package api

import (
	"time"

	"github.com/jmcleod/ironra/audit"
	"github.com/jmcleod/ironra/ledger"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Code       string   `json:"code,omitempty"`
	Violations []string `json:"violations,omitempty"`
	RequestID  string   `json:"requestId,omitempty"`
}

// ChallengeRequest is the JSON body for POST /auth/challenge.
type ChallengeRequest struct {
	Username string `json:"username"`
}

// ChallengeResponse carries the nonce and salt the client encrypts with.
type ChallengeResponse struct {
	ChallengeID string `json:"challengeId"`
	Challenge   string `json:"challenge"`
	Salt        string `json:"salt"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Username          string `json:"username"`
	ChallengeID       string `json:"challengeId"`
	EncryptedResponse string `json:"encryptedResponse"`
}

// LoginResponse is returned from POST /auth/login.
type LoginResponse struct {
	Token     string   `json:"token"`
	TokenType string   `json:"tokenType"`
	ExpiresIn int64    `json:"expiresIn"`
	Username  string   `json:"username"`
	Roles     []string `json:"roles"`
}

// TokenRequest is the JSON body for POST /auth/verify and /auth/logout.
type TokenRequest struct {
	Token string `json:"token"`
}

// VerifyResponse is returned from POST /auth/verify.
type VerifyResponse struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username,omitempty"`
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// SubmitRequest is the JSON body for POST /certificates/requests.
type SubmitRequest struct {
	CSRPEM          string `json:"csrPem"`
	CertificateType string `json:"certificateType"`
	Comments        string `json:"comments,omitempty"`
}

// SubmitResponse is returned from POST /certificates/requests.
type SubmitResponse struct {
	RequestID         string    `json:"requestId"`
	Status            string    `json:"status"`
	SubjectDN         string    `json:"subjectDN"`
	SubmittedAt       time.Time `json:"submittedAt"`
	AutoApproved      bool      `json:"autoApproved"`
	CertificateSerial string    `json:"certificateSerial,omitempty"`
}

// RequestResponse describes a certificate request.
type RequestResponse struct {
	RequestID         string     `json:"requestId"`
	Username          string     `json:"username"`
	CertificateType   string     `json:"certificateType"`
	SubjectDN         string     `json:"subjectDN"`
	Status            string     `json:"status"`
	SubmittedAt       time.Time  `json:"submittedAt"`
	ApprovedAt        *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy        string     `json:"approvedBy,omitempty"`
	RejectedAt        *time.Time `json:"rejectedAt,omitempty"`
	RejectedBy        string     `json:"rejectedBy,omitempty"`
	RejectionReason   string     `json:"rejectionReason,omitempty"`
	IssuedAt          *time.Time `json:"issuedAt,omitempty"`
	CertificateSerial string     `json:"certificateSerial,omitempty"`
	RevokedAt         *time.Time `json:"revokedAt,omitempty"`
	RevocationReason  string     `json:"revocationReason,omitempty"`
	Comments          string     `json:"comments,omitempty"`
}

func requestResponse(r *ledger.Request) RequestResponse {
	return RequestResponse{
		RequestID:         r.RequestID,
		Username:          r.Username,
		CertificateType:   string(r.CertificateType),
		SubjectDN:         r.SubjectDN,
		Status:            string(r.Status),
		SubmittedAt:       r.SubmittedAt,
		ApprovedAt:        r.ApprovedAt,
		ApprovedBy:        r.ApprovedBy,
		RejectedAt:        r.RejectedAt,
		RejectedBy:        r.RejectedBy,
		RejectionReason:   r.RejectionReason,
		IssuedAt:          r.IssuedAt,
		CertificateSerial: r.CertificateSerial,
		RevokedAt:         r.RevokedAt,
		RevocationReason:  r.RevocationReason,
		Comments:          r.Comments,
	}
}

// ListRequestsResponse is one page of requests.
type ListRequestsResponse struct {
	Requests   []RequestResponse `json:"requests"`
	TotalCount int               `json:"totalCount"`
	Page       int               `json:"page"`
	Size       int               `json:"size"`
}

// CertificateResponse is returned from GET .../certificate.
type CertificateResponse struct {
	RequestID      string `json:"requestId"`
	CertificatePEM string `json:"certificatePem"`
	SerialNumber   string `json:"serialNumber"`
}

// ApproveRequest is the optional JSON body for POST .../approve.
type ApproveRequest struct {
	Comments string `json:"comments,omitempty"`
}

// ReasonRequest is the JSON body for reject and revoke.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// RevokeResponse is returned from POST /certificates/{serial}/revoke.
type RevokeResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	RevokedAt int64  `json:"revokedAt"`
}

// BlacklistRequest is the JSON body for POST /keys/blacklist.
type BlacklistRequest struct {
	PublicKeyHash string `json:"publicKeyHash,omitempty"`
	CSRPEM        string `json:"csrPem,omitempty"`
	Reason        string `json:"reason"`
}

// BlacklistResponse is returned from POST /keys/blacklist.
type BlacklistResponse struct {
	PublicKeyHash string `json:"publicKeyHash"`
	Message       string `json:"message"`
}

// BlacklistEntry is one blacklisted key.
type BlacklistEntry struct {
	PublicKeyHash string `json:"publicKeyHash"`
	Reason        string `json:"reason"`
	AddedBy       string `json:"addedBy"`
	AddedAt       int64  `json:"addedAt"`
}

// BlacklistListResponse is returned from GET /keys/blacklist.
type BlacklistListResponse struct {
	Entries []BlacklistEntry `json:"entries"`
}

// AuditListResponse is one page of audit records.
type AuditListResponse struct {
	Entries []audit.Record `json:"entries"`
	PaginationMeta
}
