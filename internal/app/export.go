package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"hotel-price-watch/internal/model"
	"hotel-price-watch/internal/storage"
)

// Export renders a target's observation history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)
	return a.export(ctx, store, opts, time.Now().UTC())
}

func (a *App) export(ctx context.Context, history storage.HistoryStore, opts ExportOptions, now time.Time) error {
	to := now
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	observations, err := history.ListObservations(ctx, opts.Target, from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Str("target", opts.Target.String()).Msg("no observations found for export window")
		return nil
	}

	downsampled := downsampleObservations(observations, opts.MaxPoints)
	a.Logger.Info().Int("total", len(observations)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, opts.Target, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleObservations(observations []model.Observation, max int) []model.Observation {
	if max <= 0 || len(observations) <= max {
		return observations
	}
	if max == 1 {
		return observations[len(observations)-1:]
	}

	result := make([]model.Observation, 0, max)
	step := float64(len(observations)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(observations) {
			idx = len(observations) - 1
		}
		result = append(result, observations[idx])
	}
	return result
}

func writeObservationsCSV(path string, observations []model.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return encodeObservationsCSV(file, observations)
}

func encodeObservationsCSV(w io.Writer, observations []model.Observation) error {
	writer := csv.NewWriter(w)

	header := []string{"observed_at", "hotel_id", "check_in", "check_out", "occupancy", "price", "original_price", "status", "remaining_rooms"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range observations {
		original := ""
		if obs.OriginalPrice != nil {
			original = obs.OriginalPrice.String()
		}
		rooms := ""
		if obs.RemainingRooms != nil {
			rooms = strconv.Itoa(*obs.RemainingRooms)
		}
		record := []string{
			obs.ObservedAt.UTC().Format(time.RFC3339),
			obs.Target.HotelID,
			obs.Target.CheckIn.Format(model.DateLayout),
			obs.Target.CheckOut.Format(model.DateLayout),
			strconv.Itoa(obs.Target.Occupancy),
			obs.Price.String(),
			original,
			string(obs.Status),
			rooms,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeObservationsPNG(path string, target model.Target, observations []model.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(observations))
	price := make([]float64, len(observations))
	rooms := make([]float64, len(observations))
	var originalX []time.Time
	var original []float64

	for i, obs := range observations {
		x[i] = obs.ObservedAt
		price[i] = obs.Price.InexactFloat64()
		if obs.Status.Bookable() && obs.RemainingRooms != nil {
			rooms[i] = float64(*obs.RemainingRooms)
		}
		if obs.OriginalPrice != nil {
			originalX = append(originalX, obs.ObservedAt)
			original = append(original, obs.OriginalPrice.InexactFloat64())
		}
	}

	yenFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "¥%.0f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Price",
			XValues: x,
			YValues: price,
		},
		chart.TimeSeries{
			Name:    "Rooms left",
			XValues: x,
			YValues: rooms,
			YAxis:   chart.YAxisSecondary,
		},
	}
	if len(original) > 1 {
		series = append(series, chart.TimeSeries{
			Name:    "Original price",
			XValues: originalX,
			YValues: original,
		})
	}

	graph := chart.Chart{
		Title:  target.String(),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (JPY)",
			ValueFormatter: yenFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Rooms",
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal) string {
	if d.IsInteger() {
		return d.String()
	}
	return d.StringFixed(2)
}
