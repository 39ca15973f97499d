package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		applied, err := getApp().Migrate(cmd.Context())
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied: %s\n", strings.Join(applied, ", "))
		return nil
	},
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Send the daily digest now",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().Digest(cmd.Context())
		printJSON(cmd, report)
		return err
	},
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Expire past stays and prune retained data now",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().Maintenance(cmd.Context())
		printJSON(cmd, report)
		return err
	},
}

func printJSON(cmd *cobra.Command, v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
}
