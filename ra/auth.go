package ra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/ironra/challenge"
	"github.com/jmcleod/ironra/identity"
	"github.com/jmcleod/ironra/raerr"
)

// IssuedChallenge is handed to a client starting a login.
type IssuedChallenge struct {
	ID        string
	Nonce     []byte
	Salt      []byte
	ExpiresAt time.Time
}

// RequestChallenge issues a challenge for username.
func (s *Service) RequestChallenge(ctx context.Context, username string) (IssuedChallenge, error) {
	const op = "ra.RequestChallenge"
	if strings.TrimSpace(username) == "" {
		return IssuedChallenge{}, raerr.Invalid(op, []string{"Username is required"})
	}
	c, err := s.challenges.Issue(username)
	if err != nil {
		if errors.Is(err, challenge.ErrEmptyUsername) {
			return IssuedChallenge{}, raerr.Invalid(op, []string{"Username is required"})
		}
		return IssuedChallenge{}, raerr.New(op, raerr.KindInternal, err)
	}
	s.audit.ChallengeIssued(ctx, username, c.ID)
	s.logger.Info("challenge issued", "username", username, "challenge_id", c.ID)
	return IssuedChallenge{ID: c.ID, Nonce: c.Nonce, Salt: c.Salt, ExpiresAt: c.ExpiresAt}, nil
}

// IssuedToken is the result of a successful login.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
	ExpiresIn time.Duration
	Username  string
	Roles     []string
}

// Authenticate verifies a challenge response and issues a bearer token.
// The challenge is consumed whether or not verification succeeds, except
// when it was unknown to begin with.
func (s *Service) Authenticate(ctx context.Context, username, challengeID, response string) (IssuedToken, error) {
	const op = "ra.Authenticate"

	if strings.TrimSpace(username) == "" || challengeID == "" || response == "" {
		return IssuedToken{}, raerr.Invalid(op, []string{"Missing required fields"})
	}

	fail := func(kind raerr.Kind, cause error, detail string) (IssuedToken, error) {
		s.audit.Authentication(ctx, username, false, detail)
		s.logger.Warn("authentication failed", "username", username, "reason", detail)
		return IssuedToken{}, raerr.New(op, kind, cause)
	}

	c, err := s.challenges.Retrieve(challengeID)
	if err != nil {
		return fail(raerr.KindAuthentication, fmt.Errorf("%w: %w", raerr.ErrInvalidChallenge, err), "Invalid or expired challenge")
	}
	if c.Username != username {
		s.challenges.Invalidate(challengeID)
		return fail(raerr.KindAuthentication, raerr.ErrInvalidCredentials, "Username does not match challenge")
	}

	err = s.identity.Verify(ctx, username, response, c.Nonce, c.Salt)
	s.challenges.Invalidate(challengeID)
	if err != nil {
		if errors.Is(err, identity.ErrDisabled) {
			return fail(raerr.KindAuthentication, fmt.Errorf("%w: %w", raerr.ErrAccountDisabled, err), "Account disabled")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(raerr.KindInternal, ctxErr, "Request cancelled")
		}
		return fail(raerr.KindAuthentication, fmt.Errorf("%w: %w", raerr.ErrInvalidCredentials, err), "Invalid credentials")
	}

	claims, err := s.identity.Lookup(ctx, username)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownUser) || errors.Is(err, identity.ErrDisabled) {
			return fail(raerr.KindAuthentication, fmt.Errorf("%w: %w", raerr.ErrInvalidCredentials, err), "Identity lookup failed")
		}
		return fail(raerr.KindInternal, err, "Failed to retrieve user details")
	}

	signed, expiresAt, err := s.tokens.Issue(claims)
	if err != nil {
		return fail(raerr.KindInternal, err, "Token issuance failed")
	}

	s.audit.Authentication(ctx, username, true, "Authentication successful")
	s.logger.Info("authentication successful", "username", username)
	return IssuedToken{
		Token:     signed,
		ExpiresAt: expiresAt,
		ExpiresIn: s.tokens.TTL(),
		Username:  claims.Username,
		Roles:     claims.RoleStrings(),
	}, nil
}

// VerifyToken checks a bearer token and returns its claims.
func (s *Service) VerifyToken(signed string) (identity.Claims, error) {
	claims, err := s.tokens.Verify(signed)
	if err != nil {
		return identity.Claims{}, raerr.New("ra.VerifyToken", raerr.KindAuthentication, err)
	}
	return claims, nil
}

// Logout acknowledges a logout. Tokens are stateless and remain valid
// until they expire.
func (s *Service) Logout(ctx context.Context, signed string) {
	username := ""
	if claims, err := s.tokens.Verify(signed); err == nil {
		username = claims.Username
	}
	s.audit.Logout(ctx, username)
}
