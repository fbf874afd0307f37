package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironra/config"
	"github.com/jmcleod/ironra/csr"
	"github.com/jmcleod/ironra/keyregistry"
)

var (
	blacklistHash   string
	blacklistCSR    string
	blacklistReason string
	blacklistBy     string
)

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage the public key blacklist",
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Permanently block a public key",
	Long: `Adds a public key to the blacklist in the configured storage backend.
The key is identified either by its fingerprint (--hash) or by a CSR file
carrying it (--csr). The action is recorded in the audit trail.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(blacklistReason) == "" {
			return fmt.Errorf("--reason is required")
		}
		fp := strings.TrimSpace(blacklistHash)
		if fp == "" {
			if blacklistCSR == "" {
				return fmt.Errorf("one of --hash or --csr is required")
			}
			data, err := os.ReadFile(blacklistCSR)
			if err != nil {
				return fmt.Errorf("reading CSR: %w", err)
			}
			req, err := csr.Parse(string(data))
			if err != nil {
				return err
			}
			if fp, err = csr.Fingerprint(req); err != nil {
				return err
			}
		}

		cfg, err := config.LoadWithEnv(configPath)
		if err != nil {
			return err
		}
		logger := cfg.Logging.NewLogger(os.Stderr)
		ctx := cmd.Context()

		repo, closeRepo, err := openRepository(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		defer closeRepo()

		trail, closers, err := buildAuditTrail(cfg.Audit, repo, prometheus.NewRegistry(), logger)
		if err != nil {
			return err
		}
		defer func() {
			for _, c := range closers {
				c()
			}
		}()

		if _, err := keyregistry.New(repo).Blacklist(ctx, fp, blacklistReason, blacklistBy); err != nil {
			return err
		}
		trail.KeyBlacklisted(ctx, blacklistBy, fp, blacklistReason)
		fmt.Fprintf(cmd.OutOrStdout(), "Blacklisted %s\n", fp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(blacklistCmd)
	blacklistCmd.AddCommand(blacklistAddCmd)
	blacklistAddCmd.Flags().StringVar(&blacklistHash, "hash", "", "Public key fingerprint (base64 SHA-256 of the SubjectPublicKeyInfo)")
	blacklistAddCmd.Flags().StringVar(&blacklistCSR, "csr", "", "Path to a PEM CSR carrying the key")
	blacklistAddCmd.Flags().StringVar(&blacklistReason, "reason", "", "Why the key is blocked")
	blacklistAddCmd.Flags().StringVar(&blacklistBy, "by", "cli", "Operator recorded as adding the entry")
}
