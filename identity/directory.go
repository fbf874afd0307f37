package identity

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironra/internal/util"
)

// User is one entry of a static directory file.
type User struct {
	Username    string   `yaml:"username"`
	DisplayName string   `yaml:"display_name"`
	Email       string   `yaml:"email,omitempty"`
	OU          string   `yaml:"ou,omitempty"`
	O           string   `yaml:"o,omitempty"`
	C           string   `yaml:"c,omitempty"`
	Groups      []string `yaml:"groups,omitempty"`
	Password    string   `yaml:"password"`
	Disabled    bool     `yaml:"disabled,omitempty"`
}

type directoryFile struct {
	Users []User `yaml:"users"`
}

// Directory is a Provider backed by a fixed set of users, typically loaded
// from a YAML file. It stands in for an enterprise directory.
type Directory struct {
	mu             sync.RWMutex
	users          map[string]User
	verifyResponse bool
	logger         *slog.Logger
}

var _ Provider = (*Directory)(nil)

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithResponseVerification controls whether Verify checks the encrypted
// challenge response. When disabled only account existence and status are
// checked.
func WithResponseVerification(enabled bool) DirectoryOption {
	return func(d *Directory) { d.verifyResponse = enabled }
}

// WithDirectoryLogger sets the logger used for verification failures.
func WithDirectoryLogger(l *slog.Logger) DirectoryOption {
	return func(d *Directory) { d.logger = l }
}

// NewDirectory returns a Directory holding users.
func NewDirectory(users []User, opts ...DirectoryOption) (*Directory, error) {
	d := &Directory{
		verifyResponse: true,
		logger:         slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.replace(users); err != nil {
		return nil, err
	}
	return d, nil
}

// ParseDirectory decodes a YAML directory document.
func ParseDirectory(data []byte, opts ...DirectoryOption) (*Directory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing directory: %w", err)
	}
	return NewDirectory(f.Users, opts...)
}

// LoadDirectory reads a YAML directory file.
func LoadDirectory(path string, opts ...DirectoryOption) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory file: %w", err)
	}
	return ParseDirectory(data, opts...)
}

// Reload replaces the directory contents from a YAML file.
func (d *Directory) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading directory file: %w", err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing directory: %w", err)
	}
	return d.replace(f.Users)
}

func (d *Directory) replace(users []User) error {
	m := make(map[string]User, len(users))
	for i, u := range users {
		key := userKey(u.Username)
		if key == "" {
			return fmt.Errorf("directory entry %d: username is required", i)
		}
		if _, dup := m[key]; dup {
			return fmt.Errorf("directory entry %d: duplicate username %q", i, u.Username)
		}
		if u.DisplayName == "" {
			u.DisplayName = u.Username
		}
		m[key] = u
	}
	d.mu.Lock()
	d.users = m
	d.mu.Unlock()
	return nil
}

// Len returns the number of users in the directory.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

func userKey(username string) string {
	return strings.ToLower(strings.TrimSpace(util.Normalize(username)))
}

func (d *Directory) user(username string) (User, error) {
	d.mu.RLock()
	u, ok := d.users[userKey(username)]
	d.mu.RUnlock()
	if !ok {
		return User{}, fmt.Errorf("%s: %w", username, ErrUnknownUser)
	}
	if u.Disabled {
		return User{}, fmt.Errorf("%s: %w", username, ErrDisabled)
	}
	return u, nil
}

// Verify decrypts response with a key derived from the user's password and
// the challenge salt and compares the plaintext with nonce.
func (d *Directory) Verify(ctx context.Context, username, response string, nonce, salt []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u, err := d.user(username)
	if err != nil {
		return err
	}
	if !d.verifyResponse {
		return nil
	}

	sealed, err := util.B64Decode(strings.TrimSpace(response))
	if err != nil {
		return fmt.Errorf("%s: decoding response: %w", username, ErrBadResponse)
	}
	key := util.DeriveResponseKey(u.Password, salt)
	defer util.WipeBytes(key)

	plain, err := util.OpenGCM(sealed, key)
	if err != nil {
		d.logger.Debug("challenge response did not decrypt", "username", username, "error", err)
		return fmt.Errorf("%s: %w", username, ErrBadResponse)
	}
	defer util.WipeBytes(plain)
	if subtle.ConstantTimeCompare(plain, nonce) != 1 {
		return fmt.Errorf("%s: %w", username, ErrBadResponse)
	}
	return nil
}

// Lookup returns the claims of username.
func (d *Directory) Lookup(ctx context.Context, username string) (Claims, error) {
	if err := ctx.Err(); err != nil {
		return Claims{}, err
	}
	u, err := d.user(username)
	if err != nil {
		return Claims{}, err
	}
	groups := make([]string, 0, len(u.Groups))
	for _, g := range u.Groups {
		groups = append(groups, GroupName(g))
	}
	return Claims{
		Username:           u.Username,
		DisplayName:        u.DisplayName,
		Email:              u.Email,
		OrganizationalUnit: u.OU,
		Organization:       u.O,
		Country:            u.C,
		Groups:             groups,
		Roles:              MapRoles(groups),
	}, nil
}

// EncryptResponse produces the response an enrollment client sends for a
// challenge: Base64(iv || AES-256-GCM(nonce)) under a key derived from
// password and salt.
func EncryptResponse(password string, nonce, salt []byte) (string, error) {
	key := util.DeriveResponseKey(password, salt)
	defer util.WipeBytes(key)
	sealed, err := util.SealGCM(nonce, key)
	if err != nil {
		return "", err
	}
	return util.B64Encode(sealed), nil
}
