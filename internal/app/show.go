package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"hotel-price-watch/internal/model"
	"hotel-price-watch/internal/monitor"
	"hotel-price-watch/internal/storage"
)

// Show prints the most recent observations of a target, newest first.
func (a *App) Show(ctx context.Context, w io.Writer, opts ShowOptions) error {
	if opts.Limit <= 0 {
		return fmt.Errorf("limit must be greater than zero")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return showObservations(ctx, w, store, opts, time.Now().UTC())
}

func showObservations(ctx context.Context, w io.Writer, history storage.HistoryStore, opts ShowOptions, now time.Time) error {
	since := opts.Since
	if since <= 0 {
		since = 7 * 24 * time.Hour
	}
	observations, err := history.ListObservations(ctx, opts.Target, now.Add(-since), now.Add(time.Second))
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		fmt.Fprintf(w, "no observations for %s\n", opts.Target)
		return nil
	}

	if len(observations) > opts.Limit {
		observations = observations[len(observations)-opts.Limit:]
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tPrice\tOriginal\tStatus\tRooms")
	for i := len(observations) - 1; i >= 0; i-- {
		obs := observations[i]
		original := "-"
		if obs.OriginalPrice != nil {
			original = formatDecimal(*obs.OriginalPrice)
		}
		rooms := "-"
		if obs.RemainingRooms != nil {
			rooms = fmt.Sprint(*obs.RemainingRooms)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			obs.ObservedAt.UTC().Format(time.RFC3339),
			formatDecimal(obs.Price),
			original,
			obs.Status,
			rooms,
		)
	}
	return writer.Flush()
}

// PrintCheckResult renders a manual check for the terminal.
func PrintCheckResult(w io.Writer, target model.Target, res monitor.TargetResult) {
	fmt.Fprintf(w, "target:    %s\n", target)
	if res.Observation == nil {
		fmt.Fprintln(w, "result:    no observation")
		return
	}
	obs := res.Observation
	fmt.Fprintf(w, "price:     %s (%s)\n", formatDecimal(obs.Price), obs.Status)
	if obs.RemainingRooms != nil {
		fmt.Fprintf(w, "rooms:     %d\n", *obs.RemainingRooms)
	}
	fmt.Fprintf(w, "observed:  %s\n", obs.ObservedAt.UTC().Format(time.RFC3339))
	if !res.Inserted {
		fmt.Fprintln(w, "note:      observation already recorded, nothing evaluated")
	}
	if ch := res.Change; ch != nil && ch.HasPrevious {
		fmt.Fprintf(w, "change:    %s (%s%%), %s\n", ch.PriceDelta.Neg().String(), ch.PercentDelta.Neg().String(), ch.Transition)
	}
	fmt.Fprintf(w, "watchers:  %d\n", res.Items)
	for _, a := range res.Alerts {
		line := fmt.Sprintf("alert:     %s -> %s [%s]", a.Type, a.UserID, a.Status)
		if a.Error != "" {
			line += " " + sanitizeInline(a.Error)
		}
		fmt.Fprintln(w, line)
	}
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
