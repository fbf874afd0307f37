package cmd

import (
	"context"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jmcleod/ironra/api"
	"github.com/jmcleod/ironra/audit"
	"github.com/jmcleod/ironra/ca"
	"github.com/jmcleod/ironra/challenge"
	"github.com/jmcleod/ironra/config"
	"github.com/jmcleod/ironra/csr"
	"github.com/jmcleod/ironra/identity"
	"github.com/jmcleod/ironra/internal/util"
	"github.com/jmcleod/ironra/keyregistry"
	"github.com/jmcleod/ironra/ledger"
	"github.com/jmcleod/ironra/pki"
	"github.com/jmcleod/ironra/ra"
	"github.com/jmcleod/ironra/storage"
	bboltstorage "github.com/jmcleod/ironra/storage/bbolt"
	"github.com/jmcleod/ironra/storage/memory"
	pgstorage "github.com/jmcleod/ironra/storage/postgres"
	"github.com/jmcleod/ironra/token"
)

// app is a fully wired RA ready to serve.
type app struct {
	handler http.Handler
	svc     *ra.Service
	dir     *identity.Directory
	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// openRepository opens the configured storage backend.
func openRepository(ctx context.Context, sc config.StorageConfig) (storage.Repository, func(), error) {
	switch sc.Backend {
	case config.BackendMemory:
		return memory.NewRepository(), func() {}, nil
	case config.BackendBbolt:
		if dir := filepath.Dir(sc.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		repo, err := bboltstorage.NewRepositoryFromFile(sc.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	case config.BackendPostgres:
		repo, err := pgstorage.NewRepositoryFromDSN(ctx, sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, repo.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
}

// buildAuditTrail assembles the audit store and its sinks.
func buildAuditTrail(cfg config.AuditConfig, repo storage.Repository, reg prometheus.Registerer, logger *slog.Logger) (*audit.Trail, []func(), error) {
	opts := []audit.Option{
		audit.WithStore(audit.NewStore(repo)),
		audit.WithLogger(logger),
		audit.WithSink(audit.NewLogSink(logger.With("component", "audit"))),
		audit.WithSink(audit.NewMetricsSink(reg)),
	}
	var closers []func()

	if cfg.SQLitePath != "" {
		sink, err := audit.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = sink.Close() })
		opts = append(opts, audit.WithSink(sink))
	}
	if cfg.WebhookURL != "" {
		hook := audit.NewWebhook(cfg.WebhookURL, cfg.WebhookHeader, audit.WithWebhookLogger(logger))
		closers = append(closers, hook.Close)
		opts = append(opts, audit.WithSink(hook))
	}
	if cfg.Alerts {
		opts = append(opts, audit.WithSink(audit.NewAlertSink(func(ev audit.AlertEvent) {
			logger.Warn("audit alert",
				"type", ev.Type,
				"message", ev.Message,
				"count", ev.Count,
				"threshold", ev.Threshold,
			)
		})))
	}
	return audit.New(opts...), closers, nil
}

// buildConnector returns the CA connector and, in local mode, the
// authority behind it.
func buildConnector(ctx context.Context, cfg config.CAConfig, repo storage.Repository, logger *slog.Logger) (ca.Connector, *pki.Authority, error) {
	if cfg.Mode == config.CAModeHTTP {
		return ca.NewHTTPClient(cfg.BaseURL, cfg.Username, cfg.Password,
			ca.WithTimeout(cfg.Timeout.Std()),
			ca.WithLogger(logger),
		), nil, nil
	}
	authority := pki.New(repo)
	if err := authority.EnsureInit(ctx, pkix.Name{CommonName: cfg.Subject}, cfg.ValidityYears); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize local CA: %w", err)
	}
	return ca.NewLocal(authority, ca.WithValidityDays(cfg.CertValidity)), authority, nil
}

func tokenSecret(cfg config.TokenConfig, logger *slog.Logger) ([]byte, error) {
	if cfg.Secret != "" {
		return []byte(cfg.Secret), nil
	}
	logger.Warn("token.secret not set; generated an ephemeral secret, tokens will not survive a restart")
	return util.RandomBytes(token.MinSecretSize)
}

// buildApp wires every component described by cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	repo, closeRepo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeRepo)

	dir, err := identity.LoadDirectory(cfg.Identity.DirectoryFile,
		identity.WithResponseVerification(cfg.Identity.VerifyResponse),
		identity.WithDirectoryLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity directory: %w", err)
	}
	a.dir = dir
	logger.Info("identity directory loaded", "path", cfg.Identity.DirectoryFile, "users", dir.Len())

	secret, err := tokenSecret(cfg.Token, logger)
	if err != nil {
		return nil, err
	}
	tokens, err := token.NewService(secret,
		token.WithTTL(cfg.Token.TTL.Std()),
		token.WithIssuer(cfg.Token.Issuer),
	)
	util.WipeBytes(secret)
	if err != nil {
		return nil, err
	}

	challenges := challenge.NewStore(
		challenge.WithTTL(cfg.Challenge.TTL.Std()),
		challenge.WithSweepInterval(cfg.Challenge.SweepInterval.Std()),
	)
	a.closers = append(a.closers, challenges.Close)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	trail, auditClosers, err := buildAuditTrail(cfg.Audit, repo, reg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, auditClosers...)

	connector, authority, err := buildConnector(ctx, cfg.CA, repo, logger)
	if err != nil {
		return nil, err
	}

	keys := keyregistry.New(repo)
	a.svc = ra.New(ra.Deps{
		Challenges: challenges,
		Identity:   dir,
		Tokens:     tokens,
		Validator:  csr.NewValidator(keys, csr.WithLogger(logger)),
		Ledger:     ledger.New(repo, keys, ledger.WithLogger(logger)),
		Keys:       keys,
		CA:         connector,
		Audit:      trail,
	}, ra.WithLogger(logger))

	proxies, err := api.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid server.trusted_proxies: %w", err)
	}
	opts := []api.Option{
		api.WithLogger(logger),
		api.WithTrustedProxies(proxies),
		api.WithMetrics(reg, reg),
	}
	if authority != nil {
		opts = append(opts, api.WithLocalCA(authority))
	}
	if !cfg.RateLimit.Enabled {
		opts = append(opts, api.WithoutRateLimit())
	}
	a.handler = api.New(a.svc, opts...).Handler()
	return a, nil
}
