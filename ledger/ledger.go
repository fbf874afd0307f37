// Package ledger stores certificate requests and enforces their lifecycle:
// PENDING -> APPROVED -> ISSUED -> REVOKED, or PENDING -> REJECTED.
// Every mutation is a compare-and-swap on the stored version, so two
// concurrent transitions of the same request cannot both succeed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jmcleod/ironra/csr"
	"github.com/jmcleod/ironra/internal/uuid"
	"github.com/jmcleod/ironra/keyregistry"
	"github.com/jmcleod/ironra/raerr"
	"github.com/jmcleod/ironra/storage"
)

const (
	namespace  = "ledger"
	kindReq    = "REQUEST"
	kindSerial = "SERIAL"

	// RequestIDPrefix prefixes every request ID.
	RequestIDPrefix = "REQ-"

	DefaultPageSize = 50
	MaxPageSize     = 200
)

var (
	// ErrNotFound is returned when no request matches.
	ErrNotFound = errors.New("certificate request not found")
	// ErrInvalidTransition is returned when a request is not in the state
	// an operation requires.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// KeyBinder claims and releases public-key fingerprints.
type KeyBinder interface {
	Claim(ctx context.Context, fp, requestID string) error
	Release(ctx context.Context, fp, requestID string) error
}

// Ledger persists certificate requests in a storage.Repository.
type Ledger struct {
	repo   storage.Repository
	keys   KeyBinder
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger's logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// New returns a Ledger storing requests in repo and binding their keys in
// keys.
func New(repo storage.Repository, keys KeyBinder, opts ...Option) *Ledger {
	lg := &Ledger{
		repo:   repo,
		keys:   keys,
		logger: slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(lg)
	}
	lg.logger = lg.logger.With("component", "ledger")
	return lg
}

func (l *Ledger) timestamp() time.Time {
	return l.now().UTC().Truncate(time.Millisecond)
}

// Submission is a validated CSR ready to be recorded.
type Submission struct {
	Username        string
	CSRPEM          string
	CertificateType CertificateType
	SubjectDN       string
	Comments        string
}

// Submit records a new PENDING request and claims its public key. A key
// already in use or blacklisted is a conflict. Failing to compute the
// fingerprint is logged and the request is stored without one.
func (l *Ledger) Submit(ctx context.Context, s Submission) (*Request, error) {
	const op = "ledger.Submit"

	req := &Request{
		RequestID:       uuid.WithPrefix(RequestIDPrefix),
		Username:        s.Username,
		CSRPEM:          s.CSRPEM,
		CertificateType: s.CertificateType,
		SubjectDN:       s.SubjectDN,
		Status:          StatusPending,
		SubmittedAt:     l.timestamp(),
		Comments:        s.Comments,
	}

	fp, err := fingerprintPEM(s.CSRPEM)
	if err != nil {
		l.logger.Warn("computing public key fingerprint", "request_id", req.RequestID, "error", err)
	}
	req.PublicKeyHash = fp

	if fp != "" {
		if err := l.keys.Claim(ctx, fp, req.RequestID); err != nil {
			if errors.Is(err, keyregistry.ErrAlreadyRegistered) {
				return nil, raerr.New(op, raerr.KindConflict, fmt.Errorf("%w: %w", raerr.ErrKeyReused, err))
			}
			return nil, raerr.New(op, raerr.KindInternal, err)
		}
	}

	if err := l.create(ctx, req); err != nil {
		if fp != "" {
			if rerr := l.keys.Release(ctx, fp, req.RequestID); rerr != nil {
				l.logger.Error("releasing key after failed submit", "request_id", req.RequestID, "error", rerr)
			}
		}
		return nil, raerr.New(op, raerr.KindInternal, err)
	}

	l.logger.Info("certificate request submitted",
		"request_id", req.RequestID, "username", req.Username, "type", req.CertificateType)
	return req, nil
}

func fingerprintPEM(pemData string) (string, error) {
	parsed, err := csr.Parse(pemData)
	if err != nil {
		return "", err
	}
	return csr.Fingerprint(parsed)
}

func (l *Ledger) create(ctx context.Context, req *Request) error {
	rec, err := storage.Encode(req, 1)
	if err != nil {
		return err
	}
	if err := l.repo.PutCAS(ctx, namespace, kindReq, req.RequestID, 0, rec); err != nil {
		return fmt.Errorf("storing request %s: %w", req.RequestID, err)
	}
	req.Version = 1
	return nil
}

// Get returns the request with the given ID.
func (l *Ledger) Get(ctx context.Context, id string) (*Request, error) {
	const op = "ledger.Get"
	req, err := l.load(ctx, id)
	if err != nil {
		return nil, l.wrap(op, err)
	}
	return req, nil
}

func (l *Ledger) load(ctx context.Context, id string) (*Request, error) {
	if raw, ok := strings.CutPrefix(id, RequestIDPrefix); !ok || !uuid.Valid(raw) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	rec, err := l.repo.Get(ctx, namespace, kindReq, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var req Request
	if err := rec.Decode(&req); err != nil {
		return nil, err
	}
	req.Version = rec.Version
	return &req, nil
}

func (l *Ledger) wrap(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return raerr.New(op, raerr.KindNotFound, err)
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, storage.ErrCASFailed):
		return raerr.New(op, raerr.KindConflict, err)
	default:
		return raerr.New(op, raerr.KindInternal, err)
	}
}

// GetBySerial returns the issued request holding the certificate with the
// given serial number.
func (l *Ledger) GetBySerial(ctx context.Context, serial string) (*Request, error) {
	const op = "ledger.GetBySerial"
	rec, err := l.repo.Get(ctx, namespace, kindSerial, serial)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, l.wrap(op, fmt.Errorf("serial %s: %w", serial, ErrNotFound))
	}
	if err != nil {
		return nil, l.wrap(op, err)
	}
	var id string
	if err := rec.Decode(&id); err != nil {
		return nil, l.wrap(op, err)
	}
	return l.Get(ctx, id)
}

// transition loads id, checks it is in status from, applies mutate and
// writes it back at the next version. extra runs in the same batch.
func (l *Ledger) transition(ctx context.Context, op, id string, from, to Status, mutate func(*Request), extra func(storage.BatchTx, *Request) error) (*Request, error) {
	req, err := l.load(ctx, id)
	if err != nil {
		return nil, l.wrap(op, err)
	}
	if req.Status != from || !CanTransition(from, to) {
		return nil, l.wrap(op, fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, id, req.Status, from))
	}

	expected := req.Version
	mutate(req)
	req.Status = to
	rec, err := storage.Encode(req, expected+1)
	if err != nil {
		return nil, l.wrap(op, err)
	}
	err = l.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(kindReq, id, expected, rec); err != nil {
			return err
		}
		if extra != nil {
			return extra(tx, req)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			err = fmt.Errorf("%w: %s was modified concurrently: %w", ErrInvalidTransition, id, err)
		}
		return nil, l.wrap(op, err)
	}
	req.Version = expected + 1
	l.logger.Info("certificate request transitioned", "request_id", id, "from", from, "to", to)
	return req, nil
}

// Approve moves a PENDING request to APPROVED.
func (l *Ledger) Approve(ctx context.Context, id, approver string) (*Request, error) {
	return l.transition(ctx, "ledger.Approve", id, StatusPending, StatusApproved, func(r *Request) {
		now := l.timestamp()
		r.ApprovedAt = &now
		r.ApprovedBy = approver
	}, nil)
}

// Reject moves a PENDING request to REJECTED and releases its key so it
// can be submitted again.
func (l *Ledger) Reject(ctx context.Context, id, rejectedBy, reason string) (*Request, error) {
	req, err := l.transition(ctx, "ledger.Reject", id, StatusPending, StatusRejected, func(r *Request) {
		now := l.timestamp()
		r.RejectedAt = &now
		r.RejectedBy = rejectedBy
		r.RejectionReason = reason
	}, nil)
	if err != nil {
		return nil, err
	}
	if req.PublicKeyHash != "" {
		if err := l.keys.Release(ctx, req.PublicKeyHash, req.RequestID); err != nil {
			l.logger.Error("releasing key of rejected request", "request_id", id, "error", err)
		}
	}
	return req, nil
}

// MarkIssued records the certificate issued for an APPROVED request.
func (l *Ledger) MarkIssued(ctx context.Context, id, serial, certPEM string) (*Request, error) {
	serialRec, err := storage.Encode(id, 1)
	if err != nil {
		return nil, l.wrap("ledger.MarkIssued", err)
	}
	return l.transition(ctx, "ledger.MarkIssued", id, StatusApproved, StatusIssued, func(r *Request) {
		now := l.timestamp()
		r.IssuedAt = &now
		r.CertificateSerial = serial
		r.CertificatePEM = certPEM
	}, func(tx storage.BatchTx, _ *Request) error {
		if serial == "" {
			return nil
		}
		return tx.Put(kindSerial, serial, serialRec)
	})
}

// MarkRevoked records the revocation of an ISSUED request.
func (l *Ledger) MarkRevoked(ctx context.Context, id, reason string) (*Request, error) {
	return l.transition(ctx, "ledger.MarkRevoked", id, StatusIssued, StatusRevoked, func(r *Request) {
		now := l.timestamp()
		r.RevokedAt = &now
		r.RevocationReason = reason
	}, nil)
}

// NormalizePage clamps paging parameters: page is at least 0, size
// defaults to DefaultPageSize and is capped at MaxPageSize.
func NormalizePage(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

func (l *Ledger) all(ctx context.Context, status Status) ([]Request, error) {
	ids, err := l.repo.List(ctx, namespace, kindReq)
	if err != nil {
		return nil, err
	}
	out := make([]Request, 0, len(ids))
	for _, id := range ids {
		req, err := l.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, *req)
	}
	return out, nil
}

// List returns one page of requests, newest first, optionally filtered
// by status, along with the total number of matches.
func (l *Ledger) List(ctx context.Context, status Status, page, size int) ([]Request, int, error) {
	const op = "ledger.List"
	page, size = NormalizePage(page, size)
	reqs, err := l.all(ctx, status)
	if err != nil {
		return nil, 0, l.wrap(op, err)
	}
	sort.SliceStable(reqs, func(i, j int) bool {
		return reqs[i].SubmittedAt.After(reqs[j].SubmittedAt)
	})
	total := len(reqs)
	start := page * size
	if start >= total {
		return []Request{}, total, nil
	}
	end := min(start+size, total)
	return reqs[start:end], total, nil
}

// Count returns the number of requests in status, or all requests when
// status is empty.
func (l *Ledger) Count(ctx context.Context, status Status) (int, error) {
	reqs, err := l.all(ctx, status)
	if err != nil {
		return 0, l.wrap("ledger.Count", err)
	}
	return len(reqs), nil
}
