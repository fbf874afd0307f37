// Package raerr defines the error taxonomy shared by the registration
// authority packages and its mapping onto HTTP status codes.
package raerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind categorizes an error for callers and for HTTP status mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindFormat
	KindValidation
	KindAuthentication
	KindAuthorization
	KindConflict
	KindNotFound
	KindExternalService
)

var kindNames = map[Kind]string{
	KindInternal:        "INTERNAL_ERROR",
	KindFormat:          "FORMAT_ERROR",
	KindValidation:      "VALIDATION_ERROR",
	KindAuthentication:  "AUTHENTICATION_ERROR",
	KindAuthorization:   "AUTHORIZATION_ERROR",
	KindConflict:        "CONFLICT",
	KindNotFound:        "NOT_FOUND",
	KindExternalService: "EXTERNAL_SERVICE_ERROR",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindInternal]
}

// HTTPStatus returns the status code a transport should answer with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindFormat, KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps a cause with the operation that failed and its Kind.
// Validation failures carry every violation found, not only the first.
type Error struct {
	Op         string
	Kind       Kind
	Err        error
	Violations []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Violations) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Violations, "; "))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Newf is New with a formatted cause.
func Newf(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Invalid creates a validation error carrying the given violations.
func Invalid(op string, violations []string) *Error {
	return &Error{
		Op:         op,
		Kind:       KindValidation,
		Err:        ErrValidation,
		Violations: append([]string(nil), violations...),
	}
}

// Sentinel causes used when a more specific error is not available.
var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidChallenge   = errors.New("invalid or expired challenge")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrForbidden          = errors.New("access denied")
	ErrKeyReused          = errors.New("public key has already been used or is blacklisted")
)

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ViolationsOf returns the accumulated violations of a validation error.
func ViolationsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Violations
	}
	return nil
}
