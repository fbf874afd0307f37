package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/ironra/raerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// errorBody renders err for a client. Internal causes are not exposed.
func errorBody(err error) (int, ErrorResponse) {
	kind := raerr.KindOf(err)
	body := ErrorResponse{Code: kind.String(), Violations: raerr.ViolationsOf(err)}
	switch {
	case kind == raerr.KindInternal:
		body.Error = "internal server error"
	case kind == raerr.KindAuthentication:
		body.Error = "authentication failed"
		if errors.Is(err, raerr.ErrAccountDisabled) {
			body.Error = raerr.ErrAccountDisabled.Error()
		}
	default:
		var e *raerr.Error
		if errors.As(err, &e) && e.Err != nil {
			body.Error = e.Err.Error()
		} else {
			body.Error = err.Error()
		}
	}
	return kind.HTTPStatus(), body
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

// maxBodySize bounds JSON request bodies. CSRs are a few kilobytes.
const maxBodySize = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, raerr.KindFormat.String(), "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, raerr.KindFormat.String(), "invalid request body")
		return false
	}
	return true
}
