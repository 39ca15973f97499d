package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"hotel-price-watch/internal/model"
	"hotel-price-watch/internal/storage"
)

// WatchOptions describe a new or updated subscription.
type WatchOptions struct {
	UserID      string
	Email       string
	Name        string
	Target      model.Target
	TargetPrice *decimal.Decimal
	Conditions  model.AlertConditions
}

// WatchAdd subscribes a user to a target, updating an existing active subscription.
func (a *App) WatchAdd(ctx context.Context, opts WatchOptions) (model.WatchItem, error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return model.WatchItem{}, errors.New("user id is required")
	}
	if strings.TrimSpace(opts.Email) == "" {
		return model.WatchItem{}, errors.New("email is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return model.WatchItem{}, err
	}
	defer closeStore()

	return addWatch(ctx, store, opts)
}

func addWatch(ctx context.Context, reg storage.WatchRegistry, opts WatchOptions) (model.WatchItem, error) {
	item, err := reg.UpsertWatchItem(ctx, model.WatchItem{
		UserID:      opts.UserID,
		UserEmail:   opts.Email,
		UserName:    opts.Name,
		Target:      opts.Target,
		TargetPrice: opts.TargetPrice,
		Conditions:  opts.Conditions,
	})
	if err != nil {
		return model.WatchItem{}, fmt.Errorf("add watch item: %w", err)
	}
	return item, nil
}

// WatchRemove soft-deletes a subscription.
func (a *App) WatchRemove(ctx context.Context, id int64) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.DeactivateWatchItem(ctx, id); err != nil {
		return fmt.Errorf("remove watch item %d: %w", id, err)
	}
	a.Logger.Info().Int64("watch_item_id", id).Msg("watch item deactivated")
	return nil
}

// WatchList prints active subscriptions, optionally for one user.
func (a *App) WatchList(ctx context.Context, w io.Writer, userID string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return listWatches(ctx, w, store, userID)
}

func listWatches(ctx context.Context, w io.Writer, reg storage.WatchRegistry, userID string) error {
	items, err := reg.ListActiveWatchItems(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tUser\tHotel\tCheck-in\tCheck-out\tGuests\tTarget\tAlerts\tLast checked (UTC)")
	shown := 0
	for _, item := range items {
		if userID != "" && item.UserID != userID {
			continue
		}
		target := "-"
		if item.TargetPrice != nil {
			target = item.TargetPrice.String()
		}
		checked := "-"
		if item.LastChecked != nil {
			checked = item.LastChecked.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			item.ID,
			item.UserID,
			item.Target.HotelID,
			item.Target.CheckIn.Format(model.DateLayout),
			item.Target.CheckOut.Format(model.DateLayout),
			item.Target.Occupancy,
			target,
			item.AlertCount,
			checked,
		)
		shown++
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if shown == 0 {
		fmt.Fprintln(w, "no active watch items")
	}
	return nil
}
