// Package token issues and verifies the stateless HS256 bearer tokens
// handed out after a successful challenge-response login. There is no
// server-side revocation: a token stays valid until it expires.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/ironra/identity"
)

const (
	DefaultIssuer = "RA-Service"
	DefaultTTL    = 24 * time.Hour

	// MinSecretSize is the minimum HMAC secret length in bytes.
	MinSecretSize = 32
)

var (
	// ErrInvalid is returned for malformed, forged, expired or foreign tokens.
	ErrInvalid = errors.New("invalid token")
	// ErrSecretTooShort is returned by NewService for weak secrets.
	ErrSecretTooShort = fmt.Errorf("token secret must be at least %d bytes", MinSecretSize)
)

type claims struct {
	Username   string   `json:"username"`
	CommonName string   `json:"commonName"`
	Email      string   `json:"email,omitempty"`
	Roles      []string `json:"roles"`
	jwt.RegisteredClaims
}

// Service signs and verifies bearer tokens. The HMAC secret is kept in a
// memguard enclave and only decrypted while a token is signed or checked.
type Service struct {
	secret *memguard.Enclave
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets the token lifetime.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithIssuer sets the iss claim written and required.
func WithIssuer(iss string) Option {
	return func(s *Service) {
		if iss != "" {
			s.issuer = iss
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a Service signing with secret. The caller's slice is
// copied into the enclave and left untouched.
func NewService(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrSecretTooShort
	}
	buf := make([]byte, len(secret))
	copy(buf, secret)
	s := &Service{
		secret: memguard.NewEnclave(buf),
		issuer: DefaultIssuer,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the lifetime of issued tokens.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for c and returns it with its expiry.
func (s *Service) Issue(c identity.Claims) (string, time.Time, error) {
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username:   c.Username,
		CommonName: c.DisplayName,
		Email:      c.Email,
		Roles:      c.RoleStrings(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Username,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	key, err := s.secret.Open()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("opening token secret: %w", err)
	}
	defer key.Destroy()

	signed, err := tok.SignedString(key.Bytes())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, expiry and issuer and returns the claims the
// token carries. Unknown role names are dropped.
func (s *Service) Verify(signed string) (identity.Claims, error) {
	var parsed claims
	_, err := jwt.ParseWithClaims(signed, &parsed, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		key, err := s.secret.Open()
		if err != nil {
			return nil, err
		}
		defer key.Destroy()
		return append([]byte(nil), key.Bytes()...), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return identity.Claims{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if parsed.Subject == "" {
		return identity.Claims{}, fmt.Errorf("%w: missing subject", ErrInvalid)
	}

	roles := make([]identity.Role, 0, len(parsed.Roles))
	for _, r := range parsed.Roles {
		if role, ok := identity.ParseRole(r); ok {
			roles = append(roles, role)
		}
	}
	username := parsed.Username
	if username == "" {
		username = parsed.Subject
	}
	return identity.Claims{
		Username:    username,
		DisplayName: parsed.CommonName,
		Email:       parsed.Email,
		Roles:       roles,
	}, nil
}
