package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ironra",
	Short: "IronRA is a certificate Registration Authority",
	Long: `A Registration Authority that authenticates users with challenge-response,
validates their certificate signing requests and forwards approved requests
to a Certificate Authority.
Complete documentation is available at https://github.com/jmcleod/ironra`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
}
