package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmcleod/ironra/audit"
	"github.com/jmcleod/ironra/identity"
	"github.com/jmcleod/ironra/raerr"
)

type contextKey int

const claimsKey contextKey = iota

// AuthMiddleware verifies the bearer token and stores the caller's claims
// on the request context.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, raerr.KindAuthentication.String(), "missing bearer token")
			return
		}
		claims, err := a.svc.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, raerr.KindAuthentication.String(), "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func claimsFromContext(ctx context.Context) identity.Claims {
	c, _ := ctx.Value(claimsKey).(identity.Claims)
	return c
}

// auditMeta attaches the caller's address and user agent for audit
// records.
func (a *API) auditMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithMeta(r.Context(), audit.Meta{
			IPAddress: extractClientIP(r, a.trustedProxies),
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
