package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hotel-price-watch/internal/app"
)

var (
	showTarget targetFlags
	showLimit  int
	showSince  time.Duration
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent observations of a hotel stay",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		target, err := showTarget.target()
		if err != nil {
			return err
		}

		opts := app.ShowOptions{
			Target: target,
			Since:  showSince,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showTarget.register(showCmd)
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of observations to display")
	showCmd.Flags().DurationVar(&showSince, "since", 7*24*time.Hour, "How far back to look")
}
