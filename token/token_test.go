package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironra/identity"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

var alice = identity.Claims{
	Username:    "alice",
	DisplayName: "Alice Example",
	Email:       "alice@example.com",
	Roles:       []identity.Role{identity.RoleEndEntity, identity.RoleOfficer},
}

func TestNewService_RejectsShortSecret(t *testing.T) {
	_, err := NewService([]byte("short"))
	assert.ErrorIs(t, err, ErrSecretTooShort)
}

func TestNewService_DoesNotWipeCallerSecret(t *testing.T) {
	secret := append([]byte(nil), testSecret...)
	_, err := NewService(secret)
	require.NoError(t, err)
	assert.Equal(t, testSecret, secret)
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s, err := NewService(testSecret, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, s.TTL())

	signed, expiresAt, err := s.Issue(alice)
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultTTL), expiresAt)
	assert.Equal(t, 2, strings.Count(signed, "."))

	got, err := s.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, alice, got)
}

func TestVerify_StandardClaims(t *testing.T) {
	s, err := NewService(testSecret)
	require.NoError(t, err)
	signed, _, err := s.Issue(alice)
	require.NoError(t, err)

	mc := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(signed, mc)
	require.NoError(t, err)
	assert.Equal(t, "alice", mc["sub"])
	assert.Equal(t, "alice", mc["username"])
	assert.Equal(t, "Alice Example", mc["commonName"])
	assert.Equal(t, "RA-Service", mc["iss"])
	assert.Contains(t, mc, "iat")
	assert.Contains(t, mc, "exp")
}

func TestVerify_Expired(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s, err := NewService(testSecret, WithClock(clock), WithTTL(time.Hour))
	require.NoError(t, err)

	signed, _, err := s.Issue(alice)
	require.NoError(t, err)

	now = now.Add(59 * time.Minute)
	_, err = s.Verify(signed)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestVerify_Rejects(t *testing.T) {
	s, err := NewService(testSecret)
	require.NoError(t, err)
	signed, _, err := s.Issue(alice)
	require.NoError(t, err)

	other, err := NewService([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	foreignIssuer, err := NewService(testSecret, WithIssuer("someone-else"))
	require.NoError(t, err)
	foreign, _, err := foreignIssuer.Issue(alice)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice", "iss": DefaultIssuer, "exp": time.Now().Add(time.Hour).Unix()})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": mustIssue(t, other),
		"wrong issuer": foreign,
		"alg none":     unsigned,
		"tampered":     signed[:len(signed)-4] + "AAAA",
		"empty":        "",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

// mustIssue returns a token for alice signed by svc, checking it is
// accepted by svc itself.
func mustIssue(t *testing.T, svc *Service) string {
	t.Helper()
	tok, _, err := svc.Issue(alice)
	require.NoError(t, err)
	_, err = svc.Verify(tok)
	require.NoError(t, err)
	return tok
}

func TestVerify_DropsUnknownRoles(t *testing.T) {
	s, err := NewService(testSecret)
	require.NoError(t, err)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: "bob",
		Roles:    []string{"END_ENTITY", "GOD_MODE"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "bob",
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := tok.SignedString(testSecret)
	require.NoError(t, err)

	got, err := s.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, []identity.Role{identity.RoleEndEntity}, got.Roles)
}
