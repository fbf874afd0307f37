// Package api exposes the registration authority over HTTP.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/ironra/pki"
	"github.com/jmcleod/ironra/ra"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc            *ra.Service
	authority      *pki.Authority
	rateLimiter    *loginRateLimiter
	trustedProxies []netip.Prefix
	metrics        *httpMetrics
	gatherer       prometheus.Gatherer
	logger         *slog.Logger
	now            func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithTrustedProxies sets the proxies whose forwarding headers are
// believed when determining the client address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithoutRateLimit disables login throttling.
func WithoutRateLimit() Option {
	return func(a *API) { a.rateLimiter = nil }
}

// WithLocalCA exposes the CRL and CA certificate of an in-process CA.
func WithLocalCA(authority *pki.Authority) Option {
	return func(a *API) { a.authority = authority }
}

// WithMetrics registers HTTP and workload metrics with reg and serves
// gatherer at /metrics.
func WithMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) Option {
	return func(a *API) {
		a.metrics = newHTTPMetrics(reg)
		a.gatherer = gatherer
		if a.svc != nil {
			registerWorkloadGauges(reg, a.svc)
		}
	}
}

// WithClock overrides the time source used by the rate limiter.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// New creates a new API instance.
func New(svc *ra.Service, opts ...Option) *API {
	a := &API{
		svc:         svc,
		rateLimiter: newLoginRateLimiter(),
		logger:      slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.rateLimiter != nil {
		a.rateLimiter.now = a.now
	}
	a.logger = a.logger.With("component", "api")
	return a
}

// Handler returns the complete HTTP handler: health, metrics and the API
// mounted at /api/v1.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	if a.metrics != nil {
		r.Use(a.metrics.middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
	})
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	r.Mount("/api/v1", a.Router())
	return r
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.auditMeta)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/challenge", a.RequestChallenge)
	r.Post("/auth/login", a.Login)
	r.Post("/auth/verify", a.VerifyToken)
	r.Post("/auth/logout", a.Logout)

	r.Get("/ca/certificate", a.GetCACertificate)
	r.Get("/ca/crl", a.GetCRL)

	r.Group(func(r chi.Router) {
		r.Use(a.AuthMiddleware)

		r.Post("/certificates/requests", a.SubmitRequest)
		r.Get("/certificates/requests", a.ListRequests)
		r.Get("/certificates/requests/{requestID}", a.GetRequest)
		r.Get("/certificates/requests/{requestID}/certificate", a.DownloadCertificate)
		r.Post("/certificates/requests/{requestID}/approve", a.ApproveRequest)
		r.Post("/certificates/requests/{requestID}/reject", a.RejectRequest)
		r.Post("/certificates/requests/{requestID}/issue", a.IssueRequest)
		r.Post("/certificates/{serial}/revoke", a.RevokeCertificate)

		r.Get("/audit", a.ListAuditLogs)
		r.Get("/audit/export", a.ExportAuditLog)
		r.Get("/keys/blacklist", a.ListBlacklist)
		r.Post("/keys/blacklist", a.BlacklistKey)
	})

	return r
}
