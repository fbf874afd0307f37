package api

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/jmcleod/ironra/raerr"
)

// RequestChallenge handles POST /auth/challenge.
func (a *API) RequestChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ch, err := a.svc.RequestChallenge(r.Context(), req.Username)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChallengeResponse{
		ChallengeID: ch.ID,
		Challenge:   base64.StdEncoding.EncodeToString(ch.Nonce),
		Salt:        base64.StdEncoding.EncodeToString(ch.Salt),
		ExpiresAt:   ch.ExpiresAt.UnixMilli(),
	})
}

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ip := extractClientIP(r, a.trustedProxies)
	if a.rateLimiter != nil {
		if blocked, retryAfter := a.rateLimiter.check(req.Username, ip); blocked {
			a.logger.Warn("login rate limited", "username", req.Username, "ip", ip)
			writeRateLimited(w, retryAfter)
			return
		}
	}

	tok, err := a.svc.Authenticate(r.Context(), req.Username, req.ChallengeID, req.EncryptedResponse)
	if err != nil {
		if a.rateLimiter != nil && raerr.Is(err, raerr.KindAuthentication) {
			a.rateLimiter.recordFailure(req.Username, ip)
		}
		a.mapError(w, r, err)
		return
	}
	if a.rateLimiter != nil {
		a.rateLimiter.recordSuccess(req.Username)
	}
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     tok.Token,
		TokenType: "Bearer",
		ExpiresIn: int64(tok.ExpiresIn.Seconds()),
		Username:  tok.Username,
		Roles:     tok.Roles,
	})
}

// VerifyToken handles POST /auth/verify. It always answers 200.
func (a *API) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	claims, err := a.svc.VerifyToken(strings.TrimSpace(req.Token))
	if err != nil {
		writeJSON(w, http.StatusOK, VerifyResponse{Valid: false})
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: true, Username: claims.Username})
}

// Logout handles POST /auth/logout. Tokens remain valid until expiry.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		token, _ = bearerToken(r)
	}
	a.svc.Logout(r.Context(), token)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}
