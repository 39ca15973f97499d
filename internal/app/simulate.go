package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"hotel-price-watch/internal/model"
	"hotel-price-watch/internal/monitor"
	"hotel-price-watch/internal/pricesource"
	"hotel-price-watch/internal/storage/memstore"
)

// SimulateOptions describe a synthetic price move for one subscriber.
type SimulateOptions struct {
	HotelID        string
	UserID         string
	Email          string
	Previous       *decimal.Decimal
	PreviousStatus model.Availability
	Current        decimal.Decimal
	Status         model.Availability
	RemainingRooms *int
	TargetPrice    *decimal.Decimal
}

// SimulateAlert runs the full evaluation and delivery pipeline against an
// in-memory store and a synthetic observation, using the configured mailer.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (monitor.TargetResult, error) {
	if opts.HotelID == "" || opts.Email == "" {
		return monitor.TargetResult{}, errors.New("hotel and email are required")
	}
	if opts.Current.IsNegative() {
		return monitor.TargetResult{}, errors.New("current price cannot be negative")
	}
	if opts.UserID == "" {
		opts.UserID = opts.Email
	}
	if opts.Status == "" {
		opts.Status = model.Available
	}
	if opts.PreviousStatus == "" {
		opts.PreviousStatus = model.Available
	}

	mailer, err := a.newMailer()
	if err != nil {
		return monitor.TargetResult{}, err
	}

	now := time.Now().UTC().Truncate(time.Second)
	checkIn := now.Truncate(24*time.Hour).AddDate(0, 0, 30)
	target := model.Target{HotelID: opts.HotelID, CheckIn: checkIn, CheckOut: checkIn.AddDate(0, 0, 1), Occupancy: 2}

	store := memstore.New()
	if _, err := addWatch(ctx, store, WatchOptions{
		UserID:      opts.UserID,
		Email:       opts.Email,
		Target:      target,
		TargetPrice: opts.TargetPrice,
		Conditions:  model.DefaultConditions(),
	}); err != nil {
		return monitor.TargetResult{}, err
	}
	if opts.Previous != nil {
		prev := model.Observation{Target: target, Price: *opts.Previous, Status: opts.PreviousStatus, ObservedAt: now.Add(-a.Config.Scheduler.Interval)}
		if _, err := store.InsertObservation(ctx, prev); err != nil {
			return monitor.TargetResult{}, err
		}
	}

	fetcher := &staticFetcher{obs: model.Observation{
		Target:         target,
		Price:          opts.Current,
		Status:         opts.Status,
		RemainingRooms: opts.RemainingRooms,
		ObservedAt:     now,
	}}

	p, err := a.newPipeline(store, fetcher, mailer, nil)
	if err != nil {
		return monitor.TargetResult{}, err
	}
	defer func() { _ = p.orch.Shutdown() }()

	res, err := p.orch.CheckTarget(ctx, target)
	if remaining, rerr := p.throttle.Remaining(ctx, opts.UserID); rerr == nil {
		a.Logger.Info().Int("alerts", len(res.Alerts)).Int("budget_remaining", remaining).Msg("simulation finished")
	}
	return res, err
}

type staticFetcher struct {
	obs model.Observation
}

func (s *staticFetcher) Fetch(_ context.Context, _ model.Target) (model.Observation, error) {
	return s.obs, nil
}

var _ pricesource.Fetcher = (*staticFetcher)(nil)
