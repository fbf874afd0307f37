package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironra/internal/util"
)

const testDirectory = `
users:
  - username: alice
    display_name: Alice Example
    email: alice@example.com
    ou: Engineering
    o: Example Corp
    c: US
    groups:
      - CN=PKI-RA-Officers,OU=Groups,DC=example,DC=com
      - Document-Signing-Users
    password: correct horse
  - username: bob
    password: hunter2
    disabled: true
`

func newTestDirectory(t *testing.T, opts ...DirectoryOption) *Directory {
	t.Helper()
	d, err := ParseDirectory([]byte(testDirectory), opts...)
	require.NoError(t, err)
	return d
}

func challenge(t *testing.T) (nonce, salt []byte) {
	t.Helper()
	nonce, err := util.RandomBytes(32)
	require.NoError(t, err)
	salt, err = util.RandomBytes(16)
	require.NoError(t, err)
	return nonce, salt
}

func TestDirectory_VerifyRoundTrip(t *testing.T) {
	d := newTestDirectory(t)
	nonce, salt := challenge(t)

	resp, err := EncryptResponse("correct horse", nonce, salt)
	require.NoError(t, err)
	require.NoError(t, d.Verify(t.Context(), "alice", resp, nonce, salt))

	// Usernames match case-insensitively.
	require.NoError(t, d.Verify(t.Context(), "ALICE", resp, nonce, salt))
}

func TestDirectory_VerifyFailures(t *testing.T) {
	d := newTestDirectory(t)
	nonce, salt := challenge(t)

	wrongPassword, err := EncryptResponse("wrong", nonce, salt)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Verify(t.Context(), "alice", wrongPassword, nonce, salt), ErrBadResponse)

	otherNonce, _ := challenge(t)
	wrongNonce, err := EncryptResponse("correct horse", otherNonce, salt)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Verify(t.Context(), "alice", wrongNonce, nonce, salt), ErrBadResponse)

	assert.ErrorIs(t, d.Verify(t.Context(), "alice", "!!not base64!!", nonce, salt), ErrBadResponse)
	assert.ErrorIs(t, d.Verify(t.Context(), "alice", "AAAA", nonce, salt), ErrBadResponse)
	assert.ErrorIs(t, d.Verify(t.Context(), "mallory", wrongPassword, nonce, salt), ErrUnknownUser)
	assert.ErrorIs(t, d.Verify(t.Context(), "bob", wrongPassword, nonce, salt), ErrDisabled)
}

func TestDirectory_VerifyDisabled(t *testing.T) {
	d := newTestDirectory(t, WithResponseVerification(false))
	nonce, salt := challenge(t)
	require.NoError(t, d.Verify(t.Context(), "alice", "anything", nonce, salt))
	assert.ErrorIs(t, d.Verify(t.Context(), "bob", "anything", nonce, salt), ErrDisabled)
}

func TestDirectory_Lookup(t *testing.T) {
	d := newTestDirectory(t)

	c, err := d.Lookup(t.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Username)
	assert.Equal(t, "Alice Example", c.DisplayName)
	assert.Equal(t, "alice@example.com", c.Email)
	assert.Equal(t, "Engineering", c.OrganizationalUnit)
	assert.Equal(t, "Example Corp", c.Organization)
	assert.Equal(t, "US", c.Country)
	assert.Equal(t, []string{"PKI-RA-Officers", "Document-Signing-Users"}, c.Groups)
	assert.Equal(t, []Role{RoleEndEntity, RoleOfficer}, c.Roles)

	_, err = d.Lookup(t.Context(), "bob")
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = d.Lookup(t.Context(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestDirectory_Validation(t *testing.T) {
	_, err := NewDirectory([]User{{Username: ""}})
	assert.Error(t, err)

	_, err = NewDirectory([]User{{Username: "a"}, {Username: "A"}})
	assert.Error(t, err, "usernames are unique case-insensitively")

	_, err = ParseDirectory([]byte("users: [unterminated"))
	assert.Error(t, err)

	d, err := NewDirectory([]User{{Username: "carol"}})
	require.NoError(t, err)
	c, err := d.Lookup(t.Context(), "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", c.DisplayName, "display name defaults to username")
}

func TestDirectory_LoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDirectory), 0600))

	d, err := LoadDirectory(path)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())

	require.NoError(t, os.WriteFile(path, []byte("users:\n  - username: dave\n"), 0600))
	require.NoError(t, d.Reload(path))
	assert.Equal(t, 1, d.Len())

	_, err = LoadDirectory(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
