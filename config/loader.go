package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IRONRA_"

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadWithEnv loads path and applies IRONRA_* environment overrides.
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration after env overrides: %w", err)
	}
	return cfg, nil
}

// read decodes path over the defaults. An empty path yields the defaults.
func read(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"LISTEN_ADDR":     &c.Server.ListenAddr,
		"TLS_CERT":        &c.Server.TLSCert,
		"TLS_KEY":         &c.Server.TLSKey,
		"STORAGE_BACKEND": &c.Storage.Backend,
		"STORAGE_PATH":    &c.Storage.Path,
		"STORAGE_DSN":     &c.Storage.DSN,
		"TOKEN_SECRET":    &c.Token.Secret,
		"DIRECTORY_FILE":  &c.Identity.DirectoryFile,
		"CA_MODE":         &c.CA.Mode,
		"CA_URL":          &c.CA.BaseURL,
		"CA_USERNAME":     &c.CA.Username,
		"CA_PASSWORD":     &c.CA.Password,
		"AUDIT_SQLITE":    &c.Audit.SQLitePath,
		"AUDIT_WEBHOOK":   &c.Audit.WebhookURL,
		"LOG_LEVEL":       &c.Logging.Level,
		"LOG_FORMAT":      &c.Logging.Format,
	}
	for name, dst := range str {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"CHALLENGE_TTL": &c.Challenge.TTL,
		"TOKEN_TTL":     &c.Token.TTL,
		"CA_TIMEOUT":    &c.CA.Timeout,
	}
	for name, dst := range durations {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"INSECURE":        &c.Server.Insecure,
		"RATE_LIMIT":      &c.RateLimit.Enabled,
		"VERIFY_RESPONSE": &c.Identity.VerifyResponse,
	}
	for name, dst := range bools {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}
	return nil
}
