// Package identity describes who a caller is: the attributes an identity
// directory returns for a user and the RA roles derived from their groups.
package identity

import (
	"context"
	"errors"
	"slices"
	"strings"
)

var (
	// ErrUnknownUser is returned when the directory has no such user.
	ErrUnknownUser = errors.New("unknown user")
	// ErrDisabled is returned when the account exists but is disabled.
	ErrDisabled = errors.New("account disabled")
	// ErrBadResponse is returned when a challenge response does not verify.
	ErrBadResponse = errors.New("challenge response did not verify")
)

// Role is an RA authorization role.
type Role string

const (
	RoleEndEntity Role = "END_ENTITY"
	RoleOperator  Role = "RA_OPERATOR"
	RoleOfficer   Role = "RA_OFFICER"
	RoleAdmin     Role = "RA_ADMIN"
	RoleAuditor   Role = "AUDITOR"
)

// groupRoles maps directory group names (compared case-insensitively) to roles.
var groupRoles = map[string]Role{
	"pki-ra-admins":    RoleAdmin,
	"pki-ra-officers":  RoleOfficer,
	"pki-ra-operators": RoleOperator,
	"pki-auditors":     RoleAuditor,
}

// ParseRole returns the Role named by s.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleEndEntity, RoleOperator, RoleOfficer, RoleAdmin, RoleAuditor:
		return r, true
	}
	return "", false
}

// IsStaff reports whether r is one of the RA staff roles.
func (r Role) IsStaff() bool {
	switch r {
	case RoleOperator, RoleOfficer, RoleAdmin, RoleAuditor:
		return true
	}
	return false
}

// GroupName reduces a group given as a distinguished name
// ("CN=PKI-RA-Admins,OU=Groups,...") to its common name. Plain names are
// returned unchanged.
func GroupName(group string) string {
	g := strings.TrimSpace(group)
	if len(g) < 3 || !strings.EqualFold(g[:3], "CN=") {
		return g
	}
	g = g[3:]
	if i := strings.IndexByte(g, ','); i >= 0 {
		g = g[:i]
	}
	return g
}

// MapRoles derives roles from group memberships. Every identified user
// holds RoleEndEntity; staff roles follow the group table.
func MapRoles(groups []string) []Role {
	roles := []Role{RoleEndEntity}
	for _, g := range groups {
		r, ok := groupRoles[strings.ToLower(GroupName(g))]
		if ok && !slices.Contains(roles, r) {
			roles = append(roles, r)
		}
	}
	return roles
}

// Claims are the attributes of an authenticated identity.
type Claims struct {
	Username           string   `json:"username"`
	DisplayName        string   `json:"display_name"`
	Email              string   `json:"email,omitempty"`
	OrganizationalUnit string   `json:"ou,omitempty"`
	Organization       string   `json:"o,omitempty"`
	Country            string   `json:"c,omitempty"`
	Groups             []string `json:"groups,omitempty"`
	Roles              []Role   `json:"roles"`
}

// HasRole reports whether c carries r.
func (c Claims) HasRole(r Role) bool {
	return slices.Contains(c.Roles, r)
}

// HasAnyRole reports whether c carries at least one of roles.
func (c Claims) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}

// IsStaff reports whether c holds any RA staff role.
func (c Claims) IsStaff() bool {
	return slices.ContainsFunc(c.Roles, Role.IsStaff)
}

// InGroupContaining reports whether any group name contains substr.
func (c Claims) InGroupContaining(substr string) bool {
	for _, g := range c.Groups {
		if strings.Contains(GroupName(g), substr) {
			return true
		}
	}
	return false
}

// RoleStrings returns the roles as plain strings.
func (c Claims) RoleStrings() []string {
	out := make([]string, len(c.Roles))
	for i, r := range c.Roles {
		out[i] = string(r)
	}
	return out
}

// Provider confirms identities and returns their attributes.
type Provider interface {
	// Verify checks that response proves knowledge of the user's
	// credential for the given challenge nonce and salt.
	Verify(ctx context.Context, username, response string, nonce, salt []byte) error
	// Lookup returns fresh claims for username.
	Lookup(ctx context.Context, username string) (Claims, error)
}
