package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jmcleod/ironra/audit"
	"github.com/jmcleod/ironra/pki"
	"github.com/jmcleod/ironra/ra"
	"github.com/jmcleod/ironra/raerr"
)

// ListAuditLogs handles GET /audit.
func (a *API) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	q := r.URL.Query()
	entries, total, err := a.svc.AuditLog(r.Context(), claimsFromContext(r.Context()), audit.Filter{
		Username: q.Get("username"),
		Action:   audit.Action(strings.ToUpper(q.Get("action"))),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditListResponse{
		Entries:        entries,
		PaginationMeta: paginationMeta(total, limit, offset, len(entries)),
	})
}

// ExportAuditLog handles GET /audit/export.
func (a *API) ExportAuditLog(w http.ResponseWriter, r *http.Request) {
	exp, err := a.svc.AuditExport(r.Context(), claimsFromContext(r.Context()))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.json"`)
	writeJSON(w, http.StatusOK, exp)
}

// BlacklistKey handles POST /keys/blacklist.
func (a *API) BlacklistKey(w http.ResponseWriter, r *http.Request) {
	var req BlacklistRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	fp, err := a.svc.BlacklistKey(r.Context(), claimsFromContext(r.Context()), ra.BlacklistInput{
		PublicKeyHash: req.PublicKeyHash,
		CSRPEM:        req.CSRPEM,
		Reason:        req.Reason,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BlacklistResponse{PublicKeyHash: fp, Message: "Public key blacklisted"})
}

// ListBlacklist handles GET /keys/blacklist.
func (a *API) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := a.svc.ListBlacklist(r.Context(), claimsFromContext(r.Context()))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp := BlacklistListResponse{Entries: make([]BlacklistEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, BlacklistEntry{
			PublicKeyHash: e.Fingerprint,
			Reason:        e.Reason,
			AddedBy:       e.AddedBy,
			AddedAt:       e.AddedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCACertificate handles GET /ca/certificate.
func (a *API) GetCACertificate(w http.ResponseWriter, r *http.Request) {
	if a.authority == nil {
		writeError(w, http.StatusNotFound, raerr.KindNotFound.String(), "no local CA configured")
		return
	}
	certPEM, err := a.authority.CACertificate(r.Context())
	if err != nil {
		if errors.Is(err, pki.ErrNotCA) {
			writeError(w, http.StatusNotFound, raerr.KindNotFound.String(), "CA not initialized")
			return
		}
		a.mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write([]byte(certPEM))
}

// GetCRL handles GET /ca/crl. The CRL is PEM encoded.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	if a.authority == nil {
		writeError(w, http.StatusNotFound, raerr.KindNotFound.String(), "no local CA configured")
		return
	}
	crl, err := a.authority.LoadCRL(r.Context())
	if err != nil {
		if errors.Is(err, pki.ErrNoCRL) || errors.Is(err, pki.ErrNotCA) {
			writeError(w, http.StatusNotFound, raerr.KindNotFound.String(), "no CRL available")
			return
		}
		a.mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(crl)
}
