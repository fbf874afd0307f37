package cmd

import "github.com/spf13/cobra"

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log verification tools",
	Long:  `Commands for verifying exported audit chains and querying the SQLite audit mirror.`,
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
