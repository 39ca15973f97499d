// Package dispatch renders alerts into messages, delivers them and keeps the
// alert status and notification ledger in step with every attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hotel-price-watch/internal/model"
)

// Store is the persistence the dispatcher updates after an attempt.
type Store interface {
	UpdateAlertStatus(ctx context.Context, id uuid.UUID, status model.DeliveryStatus, errMsg *string, at time.Time) error
	IncrementAlertCount(ctx context.Context, id int64) error
}

// Recorder charges attempts to the notification ledger.
type Recorder interface {
	Record(ctx context.Context, userID string, typ model.AlertType, alertID *uuid.UUID, success bool) error
}

// DeliveryResult describes one dispatch attempt.
type DeliveryResult struct {
	Status model.DeliveryStatus
	SentAt time.Time
	// Err is the delivery error, if any.
	Err error
	// BookkeepingErr reports a failed status or ledger write.
	BookkeepingErr error
}

// Delivered reports whether the message left the process.
func (r DeliveryResult) Delivered() bool { return r.Status == model.StatusSent }

// Dispatcher sends alerts to users.
type Dispatcher struct {
	mailer   Mailer
	store    Store
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs a Dispatcher.
func New(mailer Mailer, store Store, recorder Recorder, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		mailer:   mailer,
		store:    store,
		recorder: recorder,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}
}

// Mailer exposes the underlying mailer for health checks.
func (d *Dispatcher) Mailer() Mailer { return d.mailer }

// Send renders and delivers alert. Exactly one ledger entry is written per
// call and the alert status moves to sent or failed. Failures are not retried.
func (d *Dispatcher) Send(ctx context.Context, alert model.Alert, item model.WatchItem, obs model.Observation) DeliveryResult {
	log := d.logger.With().
		Str("alert_id", alert.ID.String()).
		Str("user_id", alert.UserID).
		Str("type", string(alert.Type)).
		Str("target", alert.Target.String()).
		Logger()

	res := DeliveryResult{Status: model.StatusSent}
	subject, body, err := renderAlert(alert, item, obs)
	if err == nil {
		err = d.mailer.Send(ctx, item.UserEmail, subject, body)
	}
	res.SentAt = d.now().UTC()
	if err != nil {
		res.Status = model.StatusFailed
		res.Err = err
	}

	alertID := alert.ID
	var bookkeeping []error
	if rerr := d.recorder.Record(ctx, alert.UserID, alert.Type, &alertID, err == nil); rerr != nil {
		bookkeeping = append(bookkeeping, rerr)
	}

	var errMsg *string
	if err != nil {
		msg := err.Error()
		errMsg = &msg
	}
	if serr := d.store.UpdateAlertStatus(ctx, alert.ID, res.Status, errMsg, res.SentAt); serr != nil {
		bookkeeping = append(bookkeeping, fmt.Errorf("update alert status: %w", serr))
	}
	if err == nil {
		if ierr := d.store.IncrementAlertCount(ctx, alert.WatchItemID); ierr != nil {
			bookkeeping = append(bookkeeping, fmt.Errorf("increment alert count: %w", ierr))
		}
	}
	res.BookkeepingErr = errors.Join(bookkeeping...)

	if res.BookkeepingErr != nil {
		log.Error().Err(res.BookkeepingErr).Msg("dispatch bookkeeping failed")
	}
	if err != nil {
		log.Warn().Err(err).Msg("alert delivery failed")
	} else {
		log.Info().Msg("alert delivered")
	}
	return res
}

// SendDigest emails one summary of entries to a user. The ledger entry is
// recorded as daily_digest so it does not consume the alert budget.
func (d *Dispatcher) SendDigest(ctx context.Context, userID, email, name string, entries []model.DigestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	subject, body, err := renderDigest(displayName(name, email), entries)
	if err == nil {
		err = d.mailer.Send(ctx, email, subject, body)
	}
	if rerr := d.recorder.Record(ctx, userID, model.AlertDailyDigest, nil, err == nil); rerr != nil {
		d.logger.Error().Err(rerr).Str("user_id", userID).Msg("record digest failed")
	}
	if err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	d.logger.Info().Str("user_id", userID).Int("alerts", len(entries)).Msg("digest delivered")
	return nil
}
