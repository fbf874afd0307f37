// Package config holds the server configuration.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironra/ca"
	"github.com/jmcleod/ironra/challenge"
	"github.com/jmcleod/ironra/token"
)

// Config holds all configuration for the server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Challenge ChallengeConfig `yaml:"challenge"`
	Token     TokenConfig     `yaml:"token"`
	Identity  IdentityConfig  `yaml:"identity"`
	CA        CAConfig        `yaml:"ca"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	// Insecure serves plain HTTP when no TLS material is configured.
	Insecure bool `yaml:"insecure"`
	// TrustedProxies lists proxy addresses whose X-Forwarded-For header
	// is believed. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type ChallengeConfig struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

type TokenConfig struct {
	// Secret is the HMAC signing secret. When empty the server generates
	// an ephemeral one and tokens do not survive a restart.
	Secret string   `yaml:"secret"`
	TTL    Duration `yaml:"ttl"`
	Issuer string   `yaml:"issuer"`
}

type IdentityConfig struct {
	DirectoryFile  string `yaml:"directory_file"`
	VerifyResponse bool   `yaml:"verify_response"`
}

type CAConfig struct {
	Mode     string   `yaml:"mode"`
	BaseURL  string   `yaml:"base_url"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Timeout  Duration `yaml:"timeout"`

	// Local CA settings.
	Subject       string `yaml:"subject"`
	ValidityYears int    `yaml:"validity_years"`
	CertValidity  int    `yaml:"cert_validity_days"`
}

type AuditConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	WebhookURL    string `yaml:"webhook_url"`
	WebhookHeader string `yaml:"webhook_auth_header"`
	Alerts        bool   `yaml:"alerts"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CA modes.
const (
	CAModeLocal = "local"
	CAModeHTTP  = "http"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBbolt    = "bbolt"
	BackendPostgres = "postgres"
)

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8443"},
		Storage: StorageConfig{
			Backend: BackendBbolt,
			Path:    "./data/ironra.db",
		},
		Challenge: ChallengeConfig{
			TTL:           Duration(challenge.DefaultTTL),
			SweepInterval: Duration(challenge.DefaultSweepInterval),
		},
		Token: TokenConfig{
			TTL:    Duration(token.DefaultTTL),
			Issuer: token.DefaultIssuer,
		},
		Identity: IdentityConfig{VerifyResponse: true},
		CA: CAConfig{
			Mode:          CAModeLocal,
			Timeout:       Duration(ca.DefaultTimeout),
			Subject:       "IronRA Development CA",
			ValidityYears: 10,
			CertValidity:  ca.DefaultValidityDays,
		},
		Audit:     AuditConfig{Alerts: true},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{Enabled: true},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBbolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the bbolt backend")
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: memory, bbolt, postgres")
	}

	if c.Challenge.TTL <= 0 {
		return fmt.Errorf("challenge.ttl must be positive")
	}
	if c.Challenge.SweepInterval <= 0 {
		return fmt.Errorf("challenge.sweep_interval must be positive")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("token.ttl must be positive")
	}
	if c.Token.Secret != "" && len(c.Token.Secret) < token.MinSecretSize {
		return fmt.Errorf("token.secret: %w", token.ErrSecretTooShort)
	}
	if c.Identity.DirectoryFile == "" {
		return fmt.Errorf("identity.directory_file is required")
	}

	switch c.CA.Mode {
	case CAModeLocal:
		if c.CA.ValidityYears <= 0 || c.CA.CertValidity <= 0 {
			return fmt.Errorf("ca.validity_years and ca.cert_validity_days must be positive")
		}
	case CAModeHTTP:
		if c.CA.BaseURL == "" {
			return fmt.Errorf("ca.base_url is required in http mode")
		}
		if c.CA.Timeout <= 0 {
			return fmt.Errorf("ca.timeout must be positive")
		}
	default:
		return fmt.Errorf("ca.mode must be 'local' or 'http'")
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging.level must be one of: debug, info, warn, error")
}

// NewLogger builds the process logger described by l.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Duration is a time.Duration that also accepts a "d" suffix for days,
// e.g. "90d".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// ParseDuration parses s with support for days.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok && days != "" {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return Duration(time.Duration(n) * 24 * time.Hour), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(v), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
