package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running service",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := getApp().Control(cmd.Context(), http.MethodGet, "/status", nil)
		if len(out) > 0 {
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
		}
		return err
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Control the scheduler of a running service",
}

func controlCommand(use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := getApp().Control(cmd.Context(), method, path, nil)
			if len(out) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			return err
		},
	}
}

func init() {
	schedulerCmd.AddCommand(
		controlCommand("stop", "Ignore scheduled triggers until started again", http.MethodPost, "/scheduler/stop"),
		controlCommand("start", "Resume scheduled triggers", http.MethodPost, "/scheduler/start"),
		controlCommand("restart", "Resume and start a cycle immediately", http.MethodPost, "/scheduler/restart"),
		controlCommand("trigger", "Start a price-check cycle now", http.MethodPost, "/cycles"),
	)
}
