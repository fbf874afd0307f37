package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironra/audit"
	"github.com/jmcleod/ironra/config"
)

var (
	queryDB       string
	queryUsername string
	queryAction   string
	queryLimit    int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "List records from the SQLite audit mirror",
	Long: `Reads the SQLite audit mirror configured by audit.sqlite_path (or --db)
and prints matching records newest first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := queryDB
		if path == "" && configPath != "" {
			cfg, err := config.LoadWithEnv(configPath)
			if err != nil {
				return err
			}
			path = cfg.Audit.SQLitePath
		}
		if path == "" {
			return fmt.Errorf("no SQLite audit database configured; pass --db")
		}

		sink, err := audit.OpenSQLite(path)
		if err != nil {
			return err
		}
		defer sink.Close()

		records, err := sink.List(cmd.Context(), audit.Filter{
			Username: queryUsername,
			Action:   audit.Action(strings.ToUpper(queryAction)),
			Limit:    queryLimit,
		})
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tUSER\tACTION\tRESOURCE\tOUTCOME\tDETAILS")
		for _, r := range records {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Seq, r.Timestamp.UTC().Format(time.RFC3339), r.Username, r.Action,
				r.ResourceID, r.Outcome, r.Details)
		}
		return tw.Flush()
	},
}

func init() {
	auditCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVar(&queryDB, "db", "", "Path to the SQLite audit database")
	queryCmd.Flags().StringVar(&queryUsername, "username", "", "Only records for this user")
	queryCmd.Flags().StringVar(&queryAction, "action", "", "Only records with this action, e.g. AUTHENTICATION")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum records to print (0 for all)")
}
