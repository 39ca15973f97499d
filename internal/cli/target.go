package cli

import (
	"github.com/spf13/cobra"

	"hotel-price-watch/internal/model"
)

type targetFlags struct {
	hotel    string
	checkIn  string
	checkOut string
	guests   int
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.hotel, "hotel", "", "Hotel identifier")
	cmd.Flags().StringVar(&f.checkIn, "check-in", "", "Check-in date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.checkOut, "check-out", "", "Check-out date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.guests, "guests", 2, "Number of guests")
	_ = cmd.MarkFlagRequired("hotel")
	_ = cmd.MarkFlagRequired("check-in")
	_ = cmd.MarkFlagRequired("check-out")
}

func (f *targetFlags) target() (model.Target, error) {
	return model.NewTarget(f.hotel, f.checkIn, f.checkOut, f.guests)
}
