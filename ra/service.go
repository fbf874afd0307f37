// Package ra orchestrates certificate enrollment: challenge-response
// login, bearer tokens, CSR validation, the request ledger, the CA and
// the audit trail.
package ra

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jmcleod/ironra/audit"
	"github.com/jmcleod/ironra/ca"
	"github.com/jmcleod/ironra/challenge"
	"github.com/jmcleod/ironra/csr"
	"github.com/jmcleod/ironra/identity"
	"github.com/jmcleod/ironra/keyregistry"
	"github.com/jmcleod/ironra/ledger"
	"github.com/jmcleod/ironra/raerr"
	"github.com/jmcleod/ironra/token"
)

// Deps are the collaborators a Service coordinates.
type Deps struct {
	Challenges *challenge.Store
	Identity   identity.Provider
	Tokens     *token.Service
	Validator  *csr.Validator
	Ledger     *ledger.Ledger
	Keys       *keyregistry.Registry
	CA         ca.Connector
	Audit      *audit.Trail
}

// Service implements the registration authority operations exposed over
// HTTP.
type Service struct {
	challenges *challenge.Store
	identity   identity.Provider
	tokens     *token.Service
	validator  *csr.Validator
	ledger     *ledger.Ledger
	keys       *keyregistry.Registry
	ca         ca.Connector
	audit      *audit.Trail
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service. A nil Audit trail records nothing.
func New(d Deps, opts ...Option) *Service {
	s := &Service{
		challenges: d.Challenges,
		identity:   d.Identity,
		tokens:     d.Tokens,
		validator:  d.Validator,
		ledger:     d.Ledger,
		keys:       d.Keys,
		ca:         d.CA,
		audit:      d.Audit,
		logger:     slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = audit.New(audit.WithLogger(s.logger))
	}
	s.logger = s.logger.With("component", "ra")
	return s
}

// Audit returns the service's audit trail.
func (s *Service) Audit() *audit.Trail {
	return s.audit
}

// PendingRequests counts requests awaiting an officer.
func (s *Service) PendingRequests(ctx context.Context) (int, error) {
	return s.ledger.Count(ctx, ledger.StatusPending)
}

// OutstandingChallenges counts issued challenges not yet used or swept.
func (s *Service) OutstandingChallenges() int {
	return s.challenges.Len()
}

// requireRole returns an authorization error unless c holds one of roles.
func requireRole(op string, c identity.Claims, roles ...identity.Role) error {
	if c.HasAnyRole(roles...) {
		return nil
	}
	return raerr.New(op, raerr.KindAuthorization, raerr.ErrForbidden)
}

var (
	officerRoles  = []identity.Role{identity.RoleOfficer, identity.RoleAdmin}
	operatorRoles = []identity.Role{identity.RoleOperator, identity.RoleOfficer, identity.RoleAdmin}
	auditorRoles  = []identity.Role{identity.RoleAuditor, identity.RoleAdmin}
)
