package csr

import (
	"crypto/x509"
	"encoding/asn1"
	"strings"

	"github.com/jmcleod/ironra/identity"
)

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Subject holds the subject fields the RA checks against an identity.
type Subject struct {
	CommonName         string `json:"commonName,omitempty"`
	Email              string `json:"email,omitempty"`
	OrganizationalUnit string `json:"organizationalUnit,omitempty"`
	Organization       string `json:"organization,omitempty"`
	Country            string `json:"country,omitempty"`
}

// DN renders the subject as a distinguished name, most specific first.
func (s Subject) DN() string {
	var parts []string
	add := func(attr, value string) {
		if value != "" {
			parts = append(parts, attr+"="+escapeDN(value))
		}
	}
	add("CN", s.CommonName)
	add("E", s.Email)
	add("OU", s.OrganizationalUnit)
	add("O", s.Organization)
	add("C", s.Country)
	return strings.Join(parts, ",")
}

func (s Subject) String() string {
	return s.DN()
}

func escapeDN(v string) string {
	var b strings.Builder
	for i, r := range v {
		switch {
		case strings.ContainsRune(`,+"\<>;`, r):
			b.WriteByte('\\')
		case r == '#' && i == 0:
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// ExtractSubject reads the subject fields of req as encoded, without
// trimming. The email comes from the emailAddress attribute when present,
// else from the first SAN email.
func ExtractSubject(req *x509.CertificateRequest) Subject {
	s := Subject{
		CommonName:         req.Subject.CommonName,
		OrganizationalUnit: first(req.Subject.OrganizationalUnit),
		Organization:       first(req.Subject.Organization),
		Country:            first(req.Subject.Country),
	}
	for _, atv := range req.Subject.Names {
		if atv.Type.Equal(oidEmailAddress) {
			if v, ok := atv.Value.(string); ok {
				s.Email = v
				break
			}
		}
	}
	if absent(s.Email) {
		s.Email = first(req.EmailAddresses)
	}
	return s
}

// absent reports whether a subject field is missing or blank.
func absent(v string) bool {
	return strings.TrimSpace(v) == ""
}

// ValidateSubjectAgainstIdentity checks that the subject names the
// authenticated identity. The common name must equal the display name.
// Email, OU and O are optional in the request but, when given, must equal
// the identity's attribute exactly; an identity lacking the attribute never
// matches. Values are compared as encoded, so padding is a mismatch.
func ValidateSubjectAgainstIdentity(s Subject, c identity.Claims) Result {
	var r Result
	switch {
	case absent(s.CommonName):
		r.Add("Common Name (CN) is required")
	case s.CommonName != c.DisplayName:
		r.Add("Common Name (CN) does not match identity: expected %q, got %q", c.DisplayName, s.CommonName)
	}
	if !absent(s.Email) && s.Email != c.Email {
		r.Add("Email does not match identity: expected %q, got %q", c.Email, s.Email)
	}
	if !absent(s.OrganizationalUnit) && s.OrganizationalUnit != c.OrganizationalUnit {
		r.Add("Organizational Unit (OU) does not match identity: expected %q, got %q", c.OrganizationalUnit, s.OrganizationalUnit)
	}
	if !absent(s.Organization) && s.Organization != c.Organization {
		r.Add("Organization (O) does not match identity: expected %q, got %q", c.Organization, s.Organization)
	}
	return r
}
