package csr

import (
	"fmt"

	"github.com/jmcleod/ironra/raerr"
)

// Result accumulates policy violations so a submitter sees every reason
// for rejection at once.
type Result struct {
	Violations []string
}

// OK reports whether no violation was recorded.
func (r Result) OK() bool {
	return len(r.Violations) == 0
}

// Add records a violation.
func (r *Result) Add(format string, args ...any) {
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}

// Merge appends the violations of other.
func (r *Result) Merge(other Result) {
	r.Violations = append(r.Violations, other.Violations...)
}

// Err returns nil when r is OK and a validation error carrying every
// violation otherwise.
func (r Result) Err(op string) error {
	if r.OK() {
		return nil
	}
	return raerr.Invalid(op, r.Violations)
}
