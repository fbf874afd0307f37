package ra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/ironra/audit"
	"github.com/jmcleod/ironra/ca"
	"github.com/jmcleod/ironra/csr"
	"github.com/jmcleod/ironra/identity"
	"github.com/jmcleod/ironra/keyregistry"
	"github.com/jmcleod/ironra/ledger"
	"github.com/jmcleod/ironra/raerr"
)

// SubmitInput is a certificate request as sent by an end entity.
type SubmitInput struct {
	CSRPEM          string
	CertificateType string
	Comments        string
}

// SubmitResult describes the stored request after submission.
type SubmitResult struct {
	Request      *ledger.Request
	AutoApproved bool
}

// failureReason renders err for an audit record.
func failureReason(err error) string {
	if v := raerr.ViolationsOf(err); len(v) > 0 {
		return strings.Join(v, "; ")
	}
	return err.Error()
}

// SubmitCertificateRequest validates a CSR for the caller, records the
// request and, when policy allows, approves it and submits it to the CA.
// If the CA fails after auto-approval the request stays APPROVED and an
// external service error is returned; an officer can retry with Issue.
func (s *Service) SubmitCertificateRequest(ctx context.Context, caller identity.Claims, in SubmitInput) (*SubmitResult, error) {
	const op = "ra.SubmitCertificateRequest"

	fail := func(err error) (*SubmitResult, error) {
		s.audit.CSRSubmissionFailed(ctx, caller.Username, failureReason(err))
		s.logger.Warn("certificate request rejected", "username", caller.Username, "error", err)
		return nil, err
	}

	var missing []string
	if strings.TrimSpace(in.CSRPEM) == "" {
		missing = append(missing, "CSR data is required")
	}
	if strings.TrimSpace(in.CertificateType) == "" {
		missing = append(missing, "Certificate type is required")
	}
	if len(missing) > 0 {
		return fail(raerr.Invalid(op, missing))
	}
	certType := ledger.CertificateType(strings.ToUpper(strings.TrimSpace(in.CertificateType)))
	if !certType.Known() {
		return fail(raerr.Invalid(op, []string{fmt.Sprintf("Unknown certificate type: %s", in.CertificateType)}))
	}

	claims, err := s.identity.Lookup(ctx, caller.Username)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownUser) || errors.Is(err, identity.ErrDisabled) {
			return fail(raerr.New(op, raerr.KindAuthentication, err))
		}
		return fail(raerr.New(op, raerr.KindInternal, fmt.Errorf("retrieving user details: %w", err)))
	}

	checked, err := s.validator.Validate(ctx, in.CSRPEM, string(certType), claims)
	if err != nil {
		return fail(err)
	}
	if !ledger.IsAuthorizedForType(claims, certType) {
		return fail(raerr.Newf(op, raerr.KindAuthorization, "%w: not authorized to request %s certificates", raerr.ErrForbidden, certType))
	}

	req, err := s.ledger.Submit(ctx, ledger.Submission{
		Username:        claims.Username,
		CSRPEM:          in.CSRPEM,
		CertificateType: certType,
		SubjectDN:       checked.Subject.DN(),
		Comments:        in.Comments,
	})
	if err != nil {
		return fail(err)
	}
	s.audit.CSRSubmission(ctx, claims.Username, req.RequestID, string(certType), string(req.Status))
	s.logger.Info("certificate request submitted", "request_id", req.RequestID, "username", claims.Username, "type", certType)

	if !ledger.EvaluateAutoApproval(req, claims) {
		return &SubmitResult{Request: req}, nil
	}

	approved, err := s.ledger.Approve(ctx, req.RequestID, ledger.AutoApprover)
	if err != nil {
		s.audit.RequestApproval(ctx, req.RequestID, ledger.AutoApprover, "Auto-approval failed", false)
		return nil, err
	}
	s.audit.RequestApproval(ctx, req.RequestID, ledger.AutoApprover, "Auto-approved by policy", true)

	issued, err := s.issue(ctx, approved, claims.Username)
	if err != nil {
		return &SubmitResult{Request: approved, AutoApproved: true}, err
	}
	return &SubmitResult{Request: issued, AutoApproved: true}, nil
}

// issue submits an APPROVED request to the CA and records the result.
func (s *Service) issue(ctx context.Context, req *ledger.Request, actor string) (*ledger.Request, error) {
	const op = "ra.issue"
	issued, err := s.ca.Submit(ctx, ca.SubmitRequest{
		RequestID:       req.RequestID,
		CSRPEM:          req.CSRPEM,
		SubjectDN:       req.SubjectDN,
		CertificateType: string(req.CertificateType),
		Username:        req.Username,
	})
	if err != nil {
		s.audit.CertificateIssuance(ctx, actor, req.RequestID, "CA submission failed: "+err.Error(), false)
		s.logger.Error("CA submission failed", "request_id", req.RequestID, "error", err)
		if raerr.KindOf(err) == raerr.KindExternalService {
			return nil, err
		}
		return nil, raerr.New(op, raerr.KindExternalService, err)
	}

	done, err := s.ledger.MarkIssued(ctx, req.RequestID, issued.SerialNumber, issued.CertificatePEM)
	if err != nil {
		s.audit.CertificateIssuance(ctx, actor, req.RequestID, "Recording issuance failed: "+err.Error(), false)
		return nil, err
	}
	s.audit.CertificateIssuance(ctx, actor, req.RequestID, "Certificate issued with serial "+issued.SerialNumber, true)
	s.logger.Info("certificate issued", "request_id", req.RequestID, "serial", issued.SerialNumber)
	return done, nil
}

// Approve approves a PENDING request and submits it to the CA. Any other
// status is a conflict; use Issue to retry a request left APPROVED.
func (s *Service) Approve(ctx context.Context, officer identity.Claims, requestID, comments string) (*ledger.Request, error) {
	const op = "ra.Approve"
	if err := requireRole(op, officer, officerRoles...); err != nil {
		s.audit.RequestApproval(ctx, requestID, officer.Username, "Insufficient role", false)
		return nil, err
	}

	approved, err := s.ledger.Approve(ctx, requestID, officer.Username)
	if err != nil {
		s.audit.RequestApproval(ctx, requestID, officer.Username, failureReason(err), false)
		return nil, err
	}
	s.audit.RequestApproval(ctx, requestID, officer.Username, comments, true)
	s.logger.Info("certificate request approved", "request_id", requestID, "approved_by", officer.Username)
	return s.issue(ctx, approved, officer.Username)
}

// Issue retries CA submission for a request left APPROVED.
func (s *Service) Issue(ctx context.Context, officer identity.Claims, requestID string) (*ledger.Request, error) {
	const op = "ra.Issue"
	if err := requireRole(op, officer, officerRoles...); err != nil {
		s.audit.CertificateIssuance(ctx, officer.Username, requestID, "Insufficient role", false)
		return nil, err
	}
	req, err := s.ledger.Get(ctx, requestID)
	if err != nil {
		s.audit.CertificateIssuance(ctx, officer.Username, requestID, failureReason(err), false)
		return nil, err
	}
	if req.Status != ledger.StatusApproved {
		err := raerr.Newf(op, raerr.KindConflict, "%w: request is %s", ledger.ErrInvalidTransition, req.Status)
		s.audit.CertificateIssuance(ctx, officer.Username, requestID, failureReason(err), false)
		return nil, err
	}
	return s.issue(ctx, req, officer.Username)
}

// Reject rejects a PENDING request and frees its key.
func (s *Service) Reject(ctx context.Context, officer identity.Claims, requestID, reason string) (*ledger.Request, error) {
	const op = "ra.Reject"
	if err := requireRole(op, officer, officerRoles...); err != nil {
		s.audit.RequestRejection(ctx, requestID, officer.Username, "Insufficient role", false)
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		err := raerr.Invalid(op, []string{"Rejection reason is required"})
		s.audit.RequestRejection(ctx, requestID, officer.Username, failureReason(err), false)
		return nil, err
	}
	req, err := s.ledger.Reject(ctx, requestID, officer.Username, reason)
	if err != nil {
		s.audit.RequestRejection(ctx, requestID, officer.Username, failureReason(err), false)
		return nil, err
	}
	s.audit.RequestRejection(ctx, requestID, officer.Username, reason, true)
	s.logger.Info("certificate request rejected", "request_id", requestID, "rejected_by", officer.Username)
	return req, nil
}

// GetRequest returns a request to its owner or to staff.
func (s *Service) GetRequest(ctx context.Context, caller identity.Claims, requestID string) (*ledger.Request, error) {
	const op = "ra.GetRequest"
	req, err := s.ledger.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Username != caller.Username && !caller.IsStaff() {
		return nil, raerr.New(op, raerr.KindAuthorization, raerr.ErrForbidden)
	}
	return req, nil
}

// DownloadCertificate returns the PEM certificate for an ISSUED request.
// Auditors may read requests but not download certificates.
func (s *Service) DownloadCertificate(ctx context.Context, caller identity.Claims, requestID string) (string, error) {
	const op = "ra.DownloadCertificate"
	req, err := s.ledger.Get(ctx, requestID)
	if err != nil {
		return "", err
	}
	if req.Username != caller.Username && !caller.HasAnyRole(operatorRoles...) {
		s.audit.CertificateDownload(ctx, caller.Username, requestID, false, "Access denied")
		return "", raerr.New(op, raerr.KindAuthorization, raerr.ErrForbidden)
	}
	if req.Status != ledger.StatusIssued {
		return "", raerr.Newf(op, raerr.KindConflict, "certificate not yet issued: request is %s", req.Status)
	}

	certPEM, err := s.ca.Retrieve(ctx, requestID)
	if err != nil || certPEM == "" {
		if req.CertificatePEM == "" {
			s.audit.CertificateDownload(ctx, caller.Username, requestID, false, "Certificate unavailable")
			if err == nil {
				err = ca.ErrNotFound
			}
			return "", raerr.New(op, raerr.KindExternalService, err)
		}
		s.logger.Warn("CA retrieval failed, serving stored certificate", "request_id", requestID, "error", err)
		certPEM = req.CertificatePEM
	}
	s.audit.CertificateDownload(ctx, caller.Username, requestID, true, "Certificate downloaded")
	return certPEM, nil
}

// Revocation is the result of a successful revocation.
type Revocation struct {
	Request   *ledger.Request
	RevokedAt time.Time
}

// Revoke revokes the certificate with serial through the CA and records
// the revocation. A CA that refuses or cannot be reached is an internal
// error; the request stays ISSUED.
func (s *Service) Revoke(ctx context.Context, officer identity.Claims, serial, reason string) (*Revocation, error) {
	const op = "ra.Revoke"
	if err := requireRole(op, officer, officerRoles...); err != nil {
		s.audit.CertificateRevocation(ctx, officer.Username, serial, "Insufficient role", false)
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "unspecified"
	}

	req, err := s.ledger.GetBySerial(ctx, serial)
	if err != nil {
		s.audit.CertificateRevocation(ctx, officer.Username, serial, reason+" ("+failureReason(err)+")", false)
		return nil, err
	}
	if req.Status != ledger.StatusIssued {
		err := raerr.Newf(op, raerr.KindConflict, "certificate cannot be revoked: request is %s", req.Status)
		s.audit.CertificateRevocation(ctx, officer.Username, serial, reason+" ("+failureReason(err)+")", false)
		return nil, err
	}

	ok, err := s.ca.Revoke(ctx, req.CertificateSerial, reason, officer.Username)
	if err != nil {
		s.audit.CertificateRevocation(ctx, officer.Username, serial, reason, false)
		s.logger.Error("CA revocation failed", "serial", serial, "error", err)
		return nil, raerr.New(op, raerr.KindInternal, fmt.Errorf("CA revocation failed: %w", err))
	}
	if !ok {
		s.audit.CertificateRevocation(ctx, officer.Username, serial, reason, false)
		return nil, raerr.Newf(op, raerr.KindInternal, "CA refused to revoke certificate %s", serial)
	}

	revoked, err := s.ledger.MarkRevoked(ctx, req.RequestID, reason)
	if err != nil {
		s.audit.CertificateRevocation(ctx, officer.Username, serial, reason, false)
		return nil, err
	}
	s.audit.CertificateRevocation(ctx, officer.Username, serial, reason, true)
	s.logger.Info("certificate revoked", "serial", serial, "request_id", req.RequestID, "revoked_by", officer.Username)

	at := s.now().UTC()
	if revoked.RevokedAt != nil {
		at = *revoked.RevokedAt
	}
	return &Revocation{Request: revoked, RevokedAt: at}, nil
}

// Page is one page of requests.
type Page struct {
	Requests   []ledger.Request
	TotalCount int
	Page       int
	Size       int
}

// ListRequests returns requests, optionally filtered by status, newest
// first. Staff only.
func (s *Service) ListRequests(ctx context.Context, caller identity.Claims, status string, page, size int) (*Page, error) {
	const op = "ra.ListRequests"
	if !caller.IsStaff() {
		return nil, raerr.New(op, raerr.KindAuthorization, raerr.ErrForbidden)
	}
	var st ledger.Status
	if status != "" {
		parsed, ok := ledger.ParseStatus(strings.ToUpper(status))
		if !ok {
			return nil, raerr.Invalid(op, []string{fmt.Sprintf("Unknown status: %s", status)})
		}
		st = parsed
	}
	page, size = ledger.NormalizePage(page, size)
	reqs, total, err := s.ledger.List(ctx, st, page, size)
	if err != nil {
		return nil, raerr.New(op, raerr.KindInternal, err)
	}
	return &Page{Requests: reqs, TotalCount: total, Page: page, Size: size}, nil
}

// BlacklistInput names a key to blacklist, either by fingerprint or by a
// CSR carrying it.
type BlacklistInput struct {
	PublicKeyHash string
	CSRPEM        string
	Reason        string
}

// BlacklistKey permanently prevents a public key from being used.
func (s *Service) BlacklistKey(ctx context.Context, admin identity.Claims, in BlacklistInput) (string, error) {
	const op = "ra.BlacklistKey"
	fp := strings.TrimSpace(in.PublicKeyHash)
	fail := func(err error) (string, error) {
		s.audit.KeyBlacklistFailed(ctx, admin.Username, fp, failureReason(err))
		return "", err
	}

	if err := requireRole(op, admin, identity.RoleAdmin); err != nil {
		return fail(err)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return fail(raerr.Invalid(op, []string{"Reason is required"}))
	}
	if fp == "" {
		if strings.TrimSpace(in.CSRPEM) == "" {
			return fail(raerr.Invalid(op, []string{"Either publicKeyHash or csr is required"}))
		}
		req, err := csr.Parse(in.CSRPEM)
		if err != nil {
			return fail(err)
		}
		if fp, err = csr.Fingerprint(req); err != nil {
			return fail(raerr.New(op, raerr.KindInternal, err))
		}
	}

	if _, err := s.keys.Blacklist(ctx, fp, in.Reason, admin.Username); err != nil {
		return fail(raerr.New(op, raerr.KindInternal, err))
	}
	s.audit.KeyBlacklisted(ctx, admin.Username, fp, in.Reason)
	s.logger.Warn("public key blacklisted", "fingerprint", fp, "by", admin.Username)
	return fp, nil
}

// ListBlacklist returns the blacklisted keys, oldest first. Admins only.
func (s *Service) ListBlacklist(ctx context.Context, admin identity.Claims) ([]keyregistry.Entry, error) {
	const op = "ra.ListBlacklist"
	if err := requireRole(op, admin, identity.RoleAdmin); err != nil {
		return nil, err
	}
	entries, err := s.keys.List(ctx)
	if err != nil {
		return nil, raerr.New(op, raerr.KindInternal, err)
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Kind == keyregistry.KindBlacklisted {
			out = append(out, e)
		}
	}
	return out, nil
}

// AuditLog lists audit records. Auditors and admins only.
func (s *Service) AuditLog(ctx context.Context, caller identity.Claims, f audit.Filter) ([]audit.Record, int, error) {
	const op = "ra.AuditLog"
	if err := requireRole(op, caller, auditorRoles...); err != nil {
		return nil, 0, err
	}
	store := s.audit.Store()
	if store == nil {
		return []audit.Record{}, 0, nil
	}
	recs, total, err := store.List(ctx, f)
	if err != nil {
		return nil, 0, raerr.New(op, raerr.KindInternal, err)
	}
	return recs, total, nil
}

// AuditExport returns the full audit chain for offline verification.
func (s *Service) AuditExport(ctx context.Context, caller identity.Claims) (audit.Export, error) {
	const op = "ra.AuditExport"
	if err := requireRole(op, caller, auditorRoles...); err != nil {
		return audit.Export{}, err
	}
	store := s.audit.Store()
	if store == nil {
		return audit.Export{}, raerr.Newf(op, raerr.KindNotFound, "audit store not configured")
	}
	exp, err := store.Export(ctx)
	if err != nil {
		return audit.Export{}, raerr.New(op, raerr.KindInternal, err)
	}
	return exp, nil
}
