package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"hotel-price-watch/internal/app"
	"hotel-price-watch/internal/model"
)

var (
	simulateHotel      string
	simulateEmail      string
	simulatePrevious   string
	simulateCurrent    string
	simulateTarget     string
	simulatePrevStatus string
	simulateStatus     string
	simulateRooms      int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Run a synthetic price move through evaluation and delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := decimal.NewFromString(simulateCurrent)
		if err != nil {
			return errors.New("--current must be a number")
		}

		opts := app.SimulateOptions{
			HotelID: simulateHotel,
			Email:   simulateEmail,
			Current: current,
		}
		if opts.Previous, err = optionalDecimal("--previous", simulatePrevious); err != nil {
			return err
		}
		if opts.TargetPrice, err = optionalDecimal("--target-price", simulateTarget); err != nil {
			return err
		}
		if opts.Status, err = model.ParseAvailability(simulateStatus); err != nil {
			return err
		}
		if opts.PreviousStatus, err = model.ParseAvailability(simulatePrevStatus); err != nil {
			return err
		}
		if simulateRooms >= 0 {
			rooms := simulateRooms
			opts.RemainingRooms = &rooms
		}

		res, err := getApp().SimulateAlert(cmd.Context(), opts)
		app.PrintCheckResult(cmd.OutOrStdout(), res.Target, res)
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateHotel, "hotel", "demo-hotel", "Hotel identifier used in the message")
	simulateCmd.Flags().StringVar(&simulateEmail, "email", "", "Recipient address")
	simulateCmd.Flags().StringVar(&simulatePrevious, "previous", "", "Previous price (omit for a first sighting)")
	simulateCmd.Flags().StringVar(&simulateCurrent, "current", "", "Current price")
	simulateCmd.Flags().StringVar(&simulateTarget, "target-price", "", "Subscriber target price")
	simulateCmd.Flags().StringVar(&simulatePrevStatus, "previous-status", "available", "Previous availability")
	simulateCmd.Flags().StringVar(&simulateStatus, "status", "available", "Current availability")
	simulateCmd.Flags().IntVar(&simulateRooms, "rooms", -1, "Remaining rooms (negative for unknown)")
	_ = simulateCmd.MarkFlagRequired("email")
	_ = simulateCmd.MarkFlagRequired("current")
}
