package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"hotel-price-watch/internal/model"
)

const (
	insertAlertSQL = `INSERT INTO alerts (
        id,
        watch_item_id,
        user_id,
        alert_type,
        priority,
        hotel_id,
        check_in,
        check_out,
        occupancy,
        previous_price,
        current_price,
        price_delta,
        percent_delta,
        observed_at,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (watch_item_id, alert_type, observed_at) DO NOTHING;`

	updateAlertStatusSQL = `UPDATE alerts
    SET status = $2,
        error = $3,
        sent_at = CASE WHEN $2 = 'sent' THEN $4 ELSE sent_at END
    WHERE id = $1;`

	listDigestAlertsSQL = `SELECT
        a.id,
        a.watch_item_id,
        a.user_id,
        a.alert_type,
        a.priority,
        a.hotel_id,
        a.check_in,
        a.check_out,
        a.occupancy,
        a.previous_price,
        a.current_price,
        a.price_delta,
        a.percent_delta,
        a.observed_at,
        a.status,
        a.error,
        a.created_at,
        a.sent_at,
        w.user_email,
        w.user_name
    FROM alerts a
    JOIN watch_items w ON w.id = a.watch_item_id
    WHERE a.status = 'sent'
      AND a.sent_at >= $1
    ORDER BY a.user_id, a.priority DESC, a.observed_at;`
)

// InsertAlert records an alert decision.
func (s *Store) InsertAlert(ctx context.Context, alert model.Alert) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tag, err := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		alert.WatchItemID,
		alert.UserID,
		string(alert.Type),
		alert.Priority,
		alert.Target.HotelID,
		alert.Target.CheckIn,
		alert.Target.CheckOut,
		alert.Target.Occupancy,
		nullableDecimal(alert.PreviousPrice),
		alert.CurrentPrice.String(),
		alert.PriceDelta.String(),
		alert.PercentDelta.String(),
		alert.ObservedAt,
		string(alert.Status),
		alert.Error,
	)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateAlertStatus moves an alert to its delivery outcome.
func (s *Store) UpdateAlertStatus(ctx context.Context, id uuid.UUID, status model.DeliveryStatus, errMsg *string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, updateAlertStatusSQL, id, string(status), errMsg, at)
	if err != nil {
		return fmt.Errorf("update alert status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDigestAlerts lists alerts sent since the given instant with owner contact data.
func (s *Store) ListDigestAlerts(ctx context.Context, since time.Time) ([]model.DigestEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listDigestAlertsSQL, since)
	if err != nil {
		return nil, fmt.Errorf("list digest alerts: %w", err)
	}
	defer rows.Close()

	out := make([]model.DigestEntry, 0)
	for rows.Next() {
		entry, scanErr := scanDigestEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanDigestEntry(rows pgx.Rows) (model.DigestEntry, error) {
	var (
		entry    model.DigestEntry
		a        = &entry.Alert
		typ      string
		status   string
		previous sql.NullString
		current  string
		delta    string
		percent  string
		errMsg   sql.NullString
		sentAt   sql.NullTime
	)

	if err := rows.Scan(
		&a.ID,
		&a.WatchItemID,
		&a.UserID,
		&typ,
		&a.Priority,
		&a.Target.HotelID,
		&a.Target.CheckIn,
		&a.Target.CheckOut,
		&a.Target.Occupancy,
		&previous,
		&current,
		&delta,
		&percent,
		&a.ObservedAt,
		&status,
		&errMsg,
		&a.CreatedAt,
		&sentAt,
		&entry.UserEmail,
		&entry.UserName,
	); err != nil {
		return model.DigestEntry{}, err
	}

	var err error
	if a.PreviousPrice, err = parseNullDecimal(previous); err != nil {
		return model.DigestEntry{}, fmt.Errorf("parse previous price: %w", err)
	}
	if a.CurrentPrice, err = decimal.NewFromString(current); err != nil {
		return model.DigestEntry{}, fmt.Errorf("parse current price: %w", err)
	}
	if a.PriceDelta, err = decimal.NewFromString(delta); err != nil {
		return model.DigestEntry{}, fmt.Errorf("parse price delta: %w", err)
	}
	if a.PercentDelta, err = decimal.NewFromString(percent); err != nil {
		return model.DigestEntry{}, fmt.Errorf("parse percent delta: %w", err)
	}

	a.Type = model.AlertType(typ)
	a.Status = model.DeliveryStatus(status)
	if errMsg.Valid {
		msg := errMsg.String
		a.Error = &msg
	}
	if sentAt.Valid {
		at := sentAt.Time
		a.SentAt = &at
	}
	a.Target.CheckIn = a.Target.CheckIn.UTC()
	a.Target.CheckOut = a.Target.CheckOut.UTC()
	return entry, nil
}
