package api_test

import (
	"bytes"
	"context"
	"crypto/elliptic"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironra/api"
	"github.com/jmcleod/ironra/audit"
	"github.com/jmcleod/ironra/ca"
	"github.com/jmcleod/ironra/challenge"
	"github.com/jmcleod/ironra/csr"
	"github.com/jmcleod/ironra/csr/csrtest"
	"github.com/jmcleod/ironra/identity"
	"github.com/jmcleod/ironra/keyregistry"
	"github.com/jmcleod/ironra/ledger"
	"github.com/jmcleod/ironra/pki"
	"github.com/jmcleod/ironra/ra"
	"github.com/jmcleod/ironra/raerr"
	"github.com/jmcleod/ironra/storage/memory"
	"github.com/jmcleod/ironra/token"
)

type flakyCA struct {
	*ca.Local
	down atomic.Bool
}

func (f *flakyCA) Submit(ctx context.Context, req ca.SubmitRequest) (ca.Issued, error) {
	if f.down.Load() {
		return ca.Issued{}, raerr.Newf("ca.Submit", raerr.KindExternalService, "connection refused")
	}
	return f.Local.Submit(ctx, req)
}

func (f *flakyCA) Revoke(ctx context.Context, serial, reason, by string) (bool, error) {
	if f.down.Load() {
		return false, raerr.Newf("ca.Revoke", raerr.KindExternalService, "connection refused")
	}
	return f.Local.Revoke(ctx, serial, reason, by)
}

type testServer struct {
	*httptest.Server
	ca *flakyCA
}

var testUsers = []identity.User{
	{Username: "alice", DisplayName: "Alice Example", Email: "alice@example.com", Password: "alice-pw"},
	{Username: "bob", DisplayName: "Bob Example", Password: "bob-pw"},
	{Username: "olivia", DisplayName: "Olivia Officer", Groups: []string{"PKI-RA-Officers"}, Password: "olivia-pw"},
	{Username: "ada", DisplayName: "Ada Admin", Groups: []string{"PKI-RA-Admins"}, Password: "ada-pw"},
	{Username: "audrey", DisplayName: "Audrey Auditor", Groups: []string{"PKI-Auditors"}, Password: "audrey-pw"},
}

func setupServer(t *testing.T, opts ...api.Option) *testServer {
	t.Helper()
	repo := memory.NewRepository()

	dir, err := identity.NewDirectory(testUsers)
	require.NoError(t, err)
	tokens, err := token.NewService([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	authority := pki.New(repo)
	require.NoError(t, authority.Init(t.Context(), pkix.Name{CommonName: "Test CA"}, 5))
	connector := &flakyCA{Local: ca.NewLocal(authority)}
	keys := keyregistry.New(repo)
	challenges := challenge.NewStore()
	t.Cleanup(challenges.Close)

	svc := ra.New(ra.Deps{
		Challenges: challenges,
		Identity:   dir,
		Tokens:     tokens,
		Validator:  csr.NewValidator(keys),
		Ledger:     ledger.New(repo, keys),
		Keys:       keys,
		CA:         connector,
		Audit:      audit.New(audit.WithStore(audit.NewStore(repo))),
	})

	reg := prometheus.NewRegistry()
	opts = append([]api.Option{api.WithLocalCA(authority), api.WithMetrics(reg, reg)}, opts...)
	srv := httptest.NewServer(api.New(svc, opts...).Handler())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, ca: connector}
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, s.URL+path, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *testServer) attemptLogin(t *testing.T, username, password string) *http.Response {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/v1/auth/challenge", "", api.ChallengeRequest{Username: username})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ch := decode[api.ChallengeResponse](t, resp)

	nonce, err := base64.StdEncoding.DecodeString(ch.Challenge)
	require.NoError(t, err)
	salt, err := base64.StdEncoding.DecodeString(ch.Salt)
	require.NoError(t, err)
	encrypted, err := identity.EncryptResponse(password, nonce, salt)
	require.NoError(t, err)

	return s.do(t, http.MethodPost, "/api/v1/auth/login", "", api.LoginRequest{
		Username:          username,
		ChallengeID:       ch.ChallengeID,
		EncryptedResponse: encrypted,
	})
}

func (s *testServer) login(t *testing.T, username string) string {
	t.Helper()
	resp := s.attemptLogin(t, username, username+"-pw")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[api.LoginResponse](t, resp).Token
}

func aliceCSR(t *testing.T) string {
	return csrtest.PEM(t, csrtest.ECKey(t, elliptic.P256()), csrtest.Subject{CommonName: "Alice Example", Email: "alice@example.com"})
}

func TestHealthAndMetrics(t *testing.T) {
	srv := setupServer(t)

	resp := srv.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "UP", decode[map[string]string](t, resp)["status"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	resp = srv.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ironra_http_requests_total{method="GET",path="/health",status="200"} 1`)
	assert.Contains(t, string(body), "ironra_pending_requests 0")
	assert.Contains(t, string(body), "ironra_outstanding_challenges 0")
}

func TestLoginVerifyLogout(t *testing.T) {
	srv := setupServer(t)

	resp := srv.attemptLogin(t, "olivia", "olivia-pw")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[api.LoginResponse](t, resp)
	assert.Equal(t, "Bearer", login.TokenType)
	assert.Equal(t, int64(token.DefaultTTL.Seconds()), login.ExpiresIn)
	assert.Equal(t, "olivia", login.Username)
	assert.Contains(t, login.Roles, "RA_OFFICER")

	resp = srv.do(t, http.MethodPost, "/api/v1/auth/verify", "", api.TokenRequest{Token: login.Token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, api.VerifyResponse{Valid: true, Username: "olivia"}, decode[api.VerifyResponse](t, resp))

	resp = srv.do(t, http.MethodPost, "/api/v1/auth/verify", "", api.TokenRequest{Token: "garbage"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[api.VerifyResponse](t, resp).Valid)

	resp = srv.do(t, http.MethodPost, "/api/v1/auth/logout", "", api.TokenRequest{Token: login.Token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Logged out successfully", decode[api.MessageResponse](t, resp).Message)
}

func TestChallenge_RequiresUsername(t *testing.T) {
	srv := setupServer(t)
	resp := srv.do(t, http.MethodPost, "/api/v1/auth/challenge", "", api.ChallengeRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", decode[api.ErrorResponse](t, resp).Code)
}

func TestLogin_FailuresAreRateLimited(t *testing.T) {
	srv := setupServer(t)

	for i := 0; i < 5; i++ {
		resp := srv.attemptLogin(t, "alice", "wrong")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		body := decode[api.ErrorResponse](t, resp)
		assert.Equal(t, "AUTHENTICATION_ERROR", body.Code)
		assert.Equal(t, "authentication failed", body.Error)
	}

	resp := srv.attemptLogin(t, "alice", "alice-pw")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Other accounts are unaffected.
	resp = srv.attemptLogin(t, "bob", "bob-pw")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin_RateLimitDisabled(t *testing.T) {
	srv := setupServer(t, api.WithoutRateLimit())
	for i := 0; i < 6; i++ {
		resp := srv.attemptLogin(t, "alice", "wrong")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := srv.attemptLogin(t, "alice", "alice-pw")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := setupServer(t)
	for _, path := range []string{"/api/v1/certificates/requests", "/api/v1/audit", "/api/v1/certificates/requests/REQ-1"} {
		resp := srv.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		resp = srv.do(t, http.MethodGet, path, "not-a-jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestSubmitAndDownload(t *testing.T) {
	srv := setupServer(t)
	alice := srv.login(t, "alice")

	resp := srv.do(t, http.MethodPost, "/api/v1/certificates/requests", alice, api.SubmitRequest{
		CSRPEM:          aliceCSR(t),
		CertificateType: "USER_AUTHENTICATION",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sub := decode[api.SubmitResponse](t, resp)
	assert.True(t, sub.AutoApproved)
	assert.Equal(t, "ISSUED", sub.Status)
	assert.Equal(t, "CN=Alice Example,E=alice@example.com", sub.SubjectDN)
	require.NotEmpty(t, sub.CertificateSerial)

	resp = srv.do(t, http.MethodGet, "/api/v1/certificates/requests/"+sub.RequestID, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[api.RequestResponse](t, resp)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, ledger.AutoApprover, got.ApprovedBy)

	resp = srv.do(t, http.MethodGet, "/api/v1/certificates/requests/"+sub.RequestID+"/certificate", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cert := decode[api.CertificateResponse](t, resp)
	assert.Equal(t, sub.CertificateSerial, cert.SerialNumber)
	assert.True(t, strings.HasPrefix(cert.CertificatePEM, "-----BEGIN CERTIFICATE-----"))

	bob := srv.login(t, "bob")
	resp = srv.do(t, http.MethodGet, "/api/v1/certificates/requests/"+sub.RequestID, bob, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/v1/certificates/requests/REQ-missing", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmit_ErrorBodies(t *testing.T) {
	srv := setupServer(t)
	alice := srv.login(t, "alice")

	resp := srv.do(t, http.MethodPost, "/api/v1/certificates/requests", alice, api.SubmitRequest{
		CSRPEM:          csrtest.PEM(t, csrtest.ECKey(t, elliptic.P256()), csrtest.Subject{CommonName: "Mallory", Email: "mallory@example.com"}),
		CertificateType: "USER_AUTHENTICATION",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, "VALIDATION_ERROR", body.Code)
	assert.Len(t, body.Violations, 2)

	resp = srv.do(t, http.MethodPost, "/api/v1/certificates/requests", alice, api.SubmitRequest{
		CSRPEM:          csrtest.PEM(t, csrtest.RSAKey(t, 3072), csrtest.Subject{CommonName: "Alice Example"}),
		CertificateType: "SERVER_AUTHENTICATION",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "AUTHORIZATION_ERROR", decode[api.ErrorResponse](t, resp).Code)

	resp = srv.do(t, http.MethodPost, "/api/v1/certificates/requests", alice, api.SubmitRequest{CSRPEM: "junk", CertificateType: "USER_AUTHENTICATION"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "FORMAT_ERROR", decode[api.ErrorResponse](t, resp).Code)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/v1/certificates/requests", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+alice)
	raw, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	big := api.SubmitRequest{CSRPEM: strings.Repeat("A", (1<<20)+512), CertificateType: "USER_AUTHENTICATION"}
	resp = srv.do(t, http.MethodPost, "/api/v1/certificates/requests", alice, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestSubmit_KeyReuseIsConflict(t *testing.T) {
	srv := setupServer(t)
	alice := srv.login(t, "alice")
	csrPEM := aliceCSR(t)

	body := api.SubmitRequest{CSRPEM: csrPEM, CertificateType: "DOCUMENT_SIGNING"}
	resp := srv.do(t, http.MethodPost, "/api/v1/certificates/requests", alice, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/v1/certificates/requests", alice, body)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", decode[api.ErrorResponse](t, resp).Code)
}

func TestSubmit_CAOutageReturnsBadGatewayWithRequestID(t *testing.T) {
	srv := setupServer(t)
	alice := srv.login(t, "alice")
	srv.ca.down.Store(true)

	resp := srv.do(t, http.MethodPost, "/api/v1/certificates/requests", alice, api.SubmitRequest{
		CSRPEM:          aliceCSR(t),
		CertificateType: "EMAIL_SIGNING",
	})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, "EXTERNAL_SERVICE_ERROR", body.Code)
	require.NotEmpty(t, body.RequestID)

	srv.ca.down.Store(false)
	officer := srv.login(t, "olivia")
	resp = srv.do(t, http.MethodPost, "/api/v1/certificates/requests/"+body.RequestID+"/issue", officer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ISSUED", decode[api.RequestResponse](t, resp).Status)
}

func TestOfficerWorkflow(t *testing.T) {
	srv := setupServer(t)
	alice := srv.login(t, "alice")
	officer := srv.login(t, "olivia")

	submit := func() api.SubmitResponse {
		resp := srv.do(t, http.MethodPost, "/api/v1/certificates/requests", alice, api.SubmitRequest{
			CSRPEM:          aliceCSR(t),
			CertificateType: "DOCUMENT_SIGNING",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		sub := decode[api.SubmitResponse](t, resp)
		require.Equal(t, "PENDING", sub.Status)
		return sub
	}
	first, second := submit(), submit()

	resp := srv.do(t, http.MethodPost, "/api/v1/certificates/requests/"+first.RequestID+"/approve", alice, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/v1/certificates/requests/"+first.RequestID+"/approve", officer, api.ApproveRequest{Comments: "ok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	approved := decode[api.RequestResponse](t, resp)
	assert.Equal(t, "ISSUED", approved.Status)
	assert.Equal(t, "olivia", approved.ApprovedBy)

	resp = srv.do(t, http.MethodPost, "/api/v1/certificates/requests/"+second.RequestID+"/reject", officer, api.ReasonRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = srv.do(t, http.MethodPost, "/api/v1/certificates/requests/"+second.RequestID+"/reject", officer, api.ReasonRequest{Reason: "duplicate"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "REJECTED", decode[api.RequestResponse](t, resp).Status)

	resp = srv.do(t, http.MethodGet, "/api/v1/certificates/requests?status=PENDING", officer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[api.ListRequestsResponse](t, resp).TotalCount)

	resp = srv.do(t, http.MethodGet, "/api/v1/certificates/requests?size=1", officer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[api.ListRequestsResponse](t, resp)
	assert.Equal(t, 2, page.TotalCount)
	assert.Len(t, page.Requests, 1)
	assert.Equal(t, 1, page.Size)

	resp = srv.do(t, http.MethodGet, "/api/v1/certificates/requests", alice, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	revokePath := "/api/v1/certificates/" + approved.CertificateSerial + "/revoke"
	resp = srv.do(t, http.MethodPost, revokePath, alice, api.ReasonRequest{Reason: "keyCompromise"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	srv.ca.down.Store(true)
	resp = srv.do(t, http.MethodPost, revokePath, officer, api.ReasonRequest{Reason: "keyCompromise"})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.False(t, decode[api.RevokeResponse](t, resp).Success)
	srv.ca.down.Store(false)

	resp = srv.do(t, http.MethodPost, revokePath, officer, api.ReasonRequest{Reason: "keyCompromise"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rev := decode[api.RevokeResponse](t, resp)
	assert.True(t, rev.Success)
	assert.Equal(t, "Certificate revoked successfully", rev.Message)
	assert.Positive(t, rev.RevokedAt)

	resp = srv.do(t, http.MethodPost, revokePath, officer, api.ReasonRequest{Reason: "keyCompromise"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = srv.do(t, http.MethodPost, "/api/v1/certificates/ffffff/revoke", officer, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/v1/ca/crl", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	crl, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(crl), "BEGIN X509 CRL")
}

func TestAuditAndBlacklistEndpoints(t *testing.T) {
	srv := setupServer(t)
	alice := srv.login(t, "alice")
	auditor := srv.login(t, "audrey")
	admin := srv.login(t, "ada")

	resp := srv.do(t, http.MethodGet, "/api/v1/audit?action=authentication&limit=2", auditor, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.AuditListResponse](t, resp)
	assert.Len(t, list.Entries, 2)
	assert.Equal(t, 3, list.TotalCount)
	assert.True(t, list.HasMore)
	for _, e := range list.Entries {
		assert.Equal(t, audit.ActionAuthentication, e.Action)
		assert.NotEmpty(t, e.IPAddress)
	}

	resp = srv.do(t, http.MethodGet, "/api/v1/audit", alice, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/v1/audit/export", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exp := decode[audit.Export](t, resp)
	assert.True(t, audit.Verify(exp).Valid)

	csrPEM := aliceCSR(t)
	resp = srv.do(t, http.MethodPost, "/api/v1/keys/blacklist", auditor, api.BlacklistRequest{CSRPEM: csrPEM, Reason: "leaked"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = srv.do(t, http.MethodPost, "/api/v1/keys/blacklist", admin, api.BlacklistRequest{CSRPEM: csrPEM, Reason: "leaked"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, decode[api.BlacklistResponse](t, resp).PublicKeyHash)

	resp = srv.do(t, http.MethodPost, "/api/v1/certificates/requests", alice, api.SubmitRequest{CSRPEM: csrPEM, CertificateType: "USER_AUTHENTICATION"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/v1/keys/blacklist", auditor, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = srv.do(t, http.MethodGet, "/api/v1/keys/blacklist", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[api.BlacklistListResponse](t, resp).Entries
	require.Len(t, listed, 1)
	assert.Equal(t, "leaked", listed[0].Reason)
	assert.Equal(t, "ada", listed[0].AddedBy)
	assert.Positive(t, listed[0].AddedAt)

	resp = srv.do(t, http.MethodGet, "/api/v1/ca/certificate", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))
}

func TestOpenAPIServed(t *testing.T) {
	srv := setupServer(t)
	resp := srv.do(t, http.MethodGet, "/api/v1/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "openapi: 3.0.3")
}
