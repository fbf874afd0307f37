// Package uuid wraps google/uuid so callers only ever deal in strings.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID in canonical string form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns a new UUID prefixed with p, e.g. "REQ-<uuid>".
func WithPrefix(p string) string {
	return p + uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
