package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"hotel-price-watch/internal/app"
	"hotel-price-watch/internal/model"
)

var (
	watchAddTarget   targetFlags
	watchUser        string
	watchEmail       string
	watchName        string
	watchTargetPrice string
	watchMaxPrice    string
	watchDropAmount  string
	watchDropPercent string
	watchNoPriceDrop bool
	watchNoAvailable bool
	watchNoLastRoom  bool
	watchListUser    string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage watch items",
}

var watchAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Subscribe a user to a hotel stay",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := watchAddTarget.target()
		if err != nil {
			return err
		}

		opts := app.WatchOptions{
			UserID: watchUser,
			Email:  watchEmail,
			Name:   watchName,
			Target: target,
			Conditions: model.AlertConditions{
				PriceDrop:       !watchNoPriceDrop,
				NewAvailability: !watchNoAvailable,
				LastRoomAlert:   !watchNoLastRoom,
			},
		}
		if opts.TargetPrice, err = optionalDecimal("--target-price", watchTargetPrice); err != nil {
			return err
		}
		if opts.Conditions.MaxAcceptablePrice, err = optionalDecimal("--max-price", watchMaxPrice); err != nil {
			return err
		}
		if opts.Conditions.ThresholdAmount, err = optionalDecimal("--drop-amount", watchDropAmount); err != nil {
			return err
		}
		if opts.Conditions.ThresholdPercent, err = optionalDecimal("--drop-percent", watchDropPercent); err != nil {
			return err
		}

		item, err := getApp().WatchAdd(cmd.Context(), opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "watch item %d: %s for %s\n", item.ID, item.Target, item.UserID)
		return nil
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Deactivate a watch item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid watch item id %q", args[0])
		}
		return getApp().WatchRemove(cmd.Context(), id)
	},
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active watch items",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().WatchList(cmd.Context(), cmd.OutOrStdout(), watchListUser)
	},
}

func optionalDecimal(flag, v string) (*decimal.Decimal, error) {
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	if d.IsNegative() {
		return nil, errors.New(flag + " cannot be negative")
	}
	return &d, nil
}

func init() {
	watchAddTarget.register(watchAddCmd)
	watchAddCmd.Flags().StringVar(&watchUser, "user", "", "User identifier")
	watchAddCmd.Flags().StringVar(&watchEmail, "email", "", "Notification email address")
	watchAddCmd.Flags().StringVar(&watchName, "name", "", "Display name used in emails")
	watchAddCmd.Flags().StringVar(&watchTargetPrice, "target-price", "", "Alert when the price reaches this amount")
	watchAddCmd.Flags().StringVar(&watchMaxPrice, "max-price", "", "Suppress alerts above this price")
	watchAddCmd.Flags().StringVar(&watchDropAmount, "drop-amount", "", "Minimum drop in yen (overrides config)")
	watchAddCmd.Flags().StringVar(&watchDropPercent, "drop-percent", "", "Minimum drop in percent (overrides config)")
	watchAddCmd.Flags().BoolVar(&watchNoPriceDrop, "no-price-drop", false, "Disable price drop alerts")
	watchAddCmd.Flags().BoolVar(&watchNoAvailable, "no-availability", false, "Disable new availability alerts")
	watchAddCmd.Flags().BoolVar(&watchNoLastRoom, "no-last-room", false, "Disable last room alerts")
	_ = watchAddCmd.MarkFlagRequired("user")
	_ = watchAddCmd.MarkFlagRequired("email")

	watchListCmd.Flags().StringVar(&watchListUser, "user", "", "Only list this user's items")

	watchCmd.AddCommand(watchAddCmd, watchRemoveCmd, watchListCmd)
}
