package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironra/ra"
	"github.com/jmcleod/ironra/raerr"
)

// SubmitRequest handles POST /certificates/requests.
func (a *API) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := a.svc.SubmitCertificateRequest(r.Context(), claimsFromContext(r.Context()), ra.SubmitInput{
		CSRPEM:          req.CSRPEM,
		CertificateType: req.CertificateType,
		Comments:        req.Comments,
	})
	if err != nil {
		if res != nil && res.Request != nil {
			// Stored and approved, but the CA could not issue.
			status, body := errorBody(err)
			body.RequestID = res.Request.RequestID
			a.logger.Error("issuance after auto-approval failed", "request_id", res.Request.RequestID, "error", err)
			writeJSON(w, status, body)
			return
		}
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{
		RequestID:         res.Request.RequestID,
		Status:            string(res.Request.Status),
		SubjectDN:         res.Request.SubjectDN,
		SubmittedAt:       res.Request.SubmittedAt,
		AutoApproved:      res.AutoApproved,
		CertificateSerial: res.Request.CertificateSerial,
	})
}

// GetRequest handles GET /certificates/requests/{requestID}.
func (a *API) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.svc.GetRequest(r.Context(), claimsFromContext(r.Context()), chi.URLParam(r, "requestID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse(req))
}

// DownloadCertificate handles GET /certificates/requests/{requestID}/certificate.
func (a *API) DownloadCertificate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := claimsFromContext(ctx)
	id := chi.URLParam(r, "requestID")

	certPEM, err := a.svc.DownloadCertificate(ctx, caller, id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	req, err := a.svc.GetRequest(ctx, caller, id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CertificateResponse{
		RequestID:      id,
		CertificatePEM: certPEM,
		SerialNumber:   req.CertificateSerial,
	})
}

// ListRequests handles GET /certificates/requests.
func (a *API) ListRequests(w http.ResponseWriter, r *http.Request) {
	page, size := parsePage(r)
	res, err := a.svc.ListRequests(r.Context(), claimsFromContext(r.Context()), r.URL.Query().Get("status"), page, size)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	out := ListRequestsResponse{
		Requests:   make([]RequestResponse, 0, len(res.Requests)),
		TotalCount: res.TotalCount,
		Page:       res.Page,
		Size:       res.Size,
	}
	for i := range res.Requests {
		out.Requests = append(out.Requests, requestResponse(&res.Requests[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// ApproveRequest handles POST /certificates/requests/{requestID}/approve.
func (a *API) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	var body ApproveRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	req, err := a.svc.Approve(r.Context(), claimsFromContext(r.Context()), chi.URLParam(r, "requestID"), body.Comments)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse(req))
}

// IssueRequest handles POST /certificates/requests/{requestID}/issue.
func (a *API) IssueRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.svc.Issue(r.Context(), claimsFromContext(r.Context()), chi.URLParam(r, "requestID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse(req))
}

// RejectRequest handles POST /certificates/requests/{requestID}/reject.
func (a *API) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var body ReasonRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	req, err := a.svc.Reject(r.Context(), claimsFromContext(r.Context()), chi.URLParam(r, "requestID"), body.Reason)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse(req))
}

// RevokeCertificate handles POST /certificates/{serial}/revoke.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	var body ReasonRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	rev, err := a.svc.Revoke(r.Context(), claimsFromContext(r.Context()), chi.URLParam(r, "serial"), body.Reason)
	if err != nil {
		if raerr.KindOf(err) == raerr.KindInternal {
			a.logger.Error("revocation failed", "serial", chi.URLParam(r, "serial"), "error", err)
			writeJSON(w, http.StatusInternalServerError, RevokeResponse{Success: false, Message: "Certificate revocation failed"})
			return
		}
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RevokeResponse{
		Success:   true,
		Message:   "Certificate revoked successfully",
		RevokedAt: rev.RevokedAt.UnixMilli(),
	})
}
