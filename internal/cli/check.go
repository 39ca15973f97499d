package cli

import (
	"github.com/spf13/cobra"

	"hotel-price-watch/internal/app"
)

var checkTarget targetFlags

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Poll one hotel stay now and notify its watchers",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := checkTarget.target()
		if err != nil {
			return err
		}

		res, err := getApp().Check(cmd.Context(), target)
		app.PrintCheckResult(cmd.OutOrStdout(), target, res)
		return err
	},
}

func init() {
	checkTarget.register(checkCmd)
}
