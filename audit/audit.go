// Package audit records security-relevant actions. A Trail appends each
// record to a hash-chained Store and fans it out to any number of sinks.
// Audit failures never abort the operation being audited: errors are
// logged and swallowed.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmcleod/ironra/internal/util"
	"github.com/jmcleod/ironra/internal/uuid"
)

// MaxUserAgentLength bounds the stored user agent.
const MaxUserAgentLength = 500

// Action identifies what happened.
type Action string

const (
	ActionCSRSubmission         Action = "CSR_SUBMISSION"
	ActionRequestApproval       Action = "REQUEST_APPROVAL"
	ActionRequestRejection      Action = "REQUEST_REJECTION"
	ActionCertificateIssuance   Action = "CERTIFICATE_ISSUANCE"
	ActionCertificateDownload   Action = "CERTIFICATE_DOWNLOAD"
	ActionCertificateRevocation Action = "CERTIFICATE_REVOCATION"
	ActionAuthentication        Action = "AUTHENTICATION"
	ActionLogout                Action = "LOGOUT"
	ActionChallengeIssued       Action = "CHALLENGE_ISSUED"
	ActionKeyBlacklisted        Action = "KEY_BLACKLISTED"
)

// ResourceType identifies what an action was applied to.
type ResourceType string

const (
	ResourceCertificateRequest ResourceType = "CERTIFICATE_REQUEST"
	ResourceCertificate        ResourceType = "CERTIFICATE"
	ResourceSession            ResourceType = "SESSION"
	ResourcePublicKey          ResourceType = "PUBLIC_KEY"
)

// Outcome is SUCCESS or FAILED.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
)

// Record is one audit entry. Seq and PrevHash are assigned by the Store.
type Record struct {
	ID           string       `json:"id"`
	Seq          uint64       `json:"seq,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	Username     string       `json:"username,omitempty"`
	Action       Action       `json:"action"`
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Outcome      Outcome      `json:"outcome"`
	Details      string       `json:"details,omitempty"`
	IPAddress    string       `json:"ip_address,omitempty"`
	UserAgent    string       `json:"user_agent,omitempty"`
	PrevHash     string       `json:"prev_hash,omitempty"`
}

// Sink receives every record after it has been appended to the Store.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Meta is the caller's network metadata.
type Meta struct {
	IPAddress string
	UserAgent string
}

type metaKey struct{}

// WithMeta returns a context carrying m. Records written with that context
// pick up the caller's address and user agent.
func WithMeta(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// MetaFrom returns the Meta stored in ctx, if any.
func MetaFrom(ctx context.Context) Meta {
	m, _ := ctx.Value(metaKey{}).(Meta)
	return m
}

// Trail is the audit entry point used by the RA.
type Trail struct {
	store  *Store
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithStore sets the hash-chained store records are appended to.
func WithStore(s *Store) Option {
	return func(t *Trail) { t.store = s }
}

// WithSink adds a fan-out sink.
func WithSink(s Sink) Option {
	return func(t *Trail) {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trail) { t.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// New returns a Trail.
func New(opts ...Option) *Trail {
	t := &Trail{
		logger: slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "audit")
	return t
}

// Store returns the trail's store, or nil.
func (t *Trail) Store() *Store {
	return t.store
}

// Record fills in ID, timestamp and caller metadata, appends rec to the
// store and writes it to every sink. It returns the record as stored.
func (t *Trail) Record(ctx context.Context, rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)
	if rec.Outcome == "" {
		rec.Outcome = OutcomeSuccess
	}
	meta := MetaFrom(ctx)
	if rec.IPAddress == "" {
		rec.IPAddress = meta.IPAddress
	}
	if rec.UserAgent == "" {
		rec.UserAgent = meta.UserAgent
	}
	rec.UserAgent = util.Truncate(rec.UserAgent, MaxUserAgentLength)

	if t.store != nil {
		stored, err := t.store.Append(ctx, rec)
		if err != nil {
			t.logger.Error("appending audit record", "action", rec.Action, "id", rec.ID, "error", err)
		} else {
			rec = stored
		}
	}
	for _, s := range t.sinks {
		if err := s.Write(ctx, rec); err != nil {
			t.logger.Error("writing audit record to sink",
				"sink", fmt.Sprintf("%T", s), "action", rec.Action, "id", rec.ID, "error", err)
		}
	}
	return rec
}

func outcomeOf(success bool) Outcome {
	if success {
		return OutcomeSuccess
	}
	return OutcomeFailed
}

// CSRSubmission records an accepted certificate request.
func (t *Trail) CSRSubmission(ctx context.Context, username, requestID, certType, status string) {
	t.Record(ctx, Record{
		Username:     username,
		Action:       ActionCSRSubmission,
		ResourceType: ResourceCertificateRequest,
		ResourceID:   requestID,
		Outcome:      OutcomeSuccess,
		Details:      fmt.Sprintf("Certificate type: %s, Status: %s", certType, status),
	})
}

// CSRSubmissionFailed records a rejected submission.
func (t *Trail) CSRSubmissionFailed(ctx context.Context, username, reason string) {
	t.Record(ctx, Record{
		Username:     username,
		Action:       ActionCSRSubmission,
		ResourceType: ResourceCertificateRequest,
		Outcome:      OutcomeFailed,
		Details:      "Failure reason: " + reason,
	})
}

// RequestApproval records an approval, manual or automatic.
func (t *Trail) RequestApproval(ctx context.Context, requestID, approvedBy, comments string, success bool) {
	t.Record(ctx, Record{
		Username:     approvedBy,
		Action:       ActionRequestApproval,
		ResourceType: ResourceCertificateRequest,
		ResourceID:   requestID,
		Outcome:      outcomeOf(success),
		Details:      "Comments: " + comments,
	})
}

// RequestRejection records a rejection.
func (t *Trail) RequestRejection(ctx context.Context, requestID, rejectedBy, reason string, success bool) {
	t.Record(ctx, Record{
		Username:     rejectedBy,
		Action:       ActionRequestRejection,
		ResourceType: ResourceCertificateRequest,
		ResourceID:   requestID,
		Outcome:      outcomeOf(success),
		Details:      "Rejection reason: " + reason,
	})
}

// CertificateIssuance records the outcome of a CA submission.
func (t *Trail) CertificateIssuance(ctx context.Context, username, requestID, details string, success bool) {
	t.Record(ctx, Record{
		Username:     username,
		Action:       ActionCertificateIssuance,
		ResourceType: ResourceCertificateRequest,
		ResourceID:   requestID,
		Outcome:      outcomeOf(success),
		Details:      details,
	})
}

// CertificateDownload records a certificate retrieval.
func (t *Trail) CertificateDownload(ctx context.Context, username, requestID string, success bool, details string) {
	t.Record(ctx, Record{
		Username:     username,
		Action:       ActionCertificateDownload,
		ResourceType: ResourceCertificate,
		ResourceID:   requestID,
		Outcome:      outcomeOf(success),
		Details:      details,
	})
}

// CertificateRevocation records a revocation attempt.
func (t *Trail) CertificateRevocation(ctx context.Context, username, serial, reason string, success bool) {
	t.Record(ctx, Record{
		Username:     username,
		Action:       ActionCertificateRevocation,
		ResourceType: ResourceCertificate,
		ResourceID:   serial,
		Outcome:      outcomeOf(success),
		Details:      "Revocation reason: " + reason,
	})
}

// Authentication records a login attempt.
func (t *Trail) Authentication(ctx context.Context, username string, success bool, details string) {
	t.Record(ctx, Record{
		Username:     username,
		Action:       ActionAuthentication,
		ResourceType: ResourceSession,
		Outcome:      outcomeOf(success),
		Details:      details,
	})
}

// Logout records a logout acknowledgement.
func (t *Trail) Logout(ctx context.Context, username string) {
	t.Record(ctx, Record{
		Username:     username,
		Action:       ActionLogout,
		ResourceType: ResourceSession,
		Outcome:      OutcomeSuccess,
		Details:      "Token remains valid until expiry",
	})
}

// ChallengeIssued records a new authentication challenge.
func (t *Trail) ChallengeIssued(ctx context.Context, username, challengeID string) {
	t.Record(ctx, Record{
		Username:     username,
		Action:       ActionChallengeIssued,
		ResourceType: ResourceSession,
		ResourceID:   challengeID,
		Outcome:      OutcomeSuccess,
	})
}

// KeyBlacklisted records a public key being blacklisted.
func (t *Trail) KeyBlacklisted(ctx context.Context, username, fingerprint, reason string) {
	t.Record(ctx, Record{
		Username:     username,
		Action:       ActionKeyBlacklisted,
		ResourceType: ResourcePublicKey,
		ResourceID:   fingerprint,
		Outcome:      OutcomeSuccess,
		Details:      "Reason: " + reason,
	})
}

// KeyBlacklistFailed records a refused or failed blacklist attempt.
// fingerprint may be empty when the key could not be identified.
func (t *Trail) KeyBlacklistFailed(ctx context.Context, username, fingerprint, reason string) {
	t.Record(ctx, Record{
		Username:     username,
		Action:       ActionKeyBlacklisted,
		ResourceType: ResourcePublicKey,
		ResourceID:   fingerprint,
		Outcome:      OutcomeFailed,
		Details:      "Failure reason: " + reason,
	})
}
