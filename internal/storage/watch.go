package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"hotel-price-watch/internal/model"
)

const (
	watchItemColumns = `id, user_id, user_email, user_name, hotel_id, check_in, check_out, occupancy,
        target_price, conditions, is_active, last_checked_at, alert_count, created_at, updated_at`

	listActiveWatchItemsSQL = `SELECT ` + watchItemColumns + `
    FROM watch_items
    WHERE is_active
    ORDER BY hotel_id, check_in, check_out, occupancy, id;`

	getWatchItemSQL = `SELECT ` + watchItemColumns + `
    FROM watch_items
    WHERE id = $1;`

	// One active row per (user, target); a repeat subscription updates it.
	upsertWatchItemSQL = `INSERT INTO watch_items (
        user_id,
        user_email,
        user_name,
        hotel_id,
        check_in,
        check_out,
        occupancy,
        target_price,
        conditions,
        is_active
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,TRUE
    )
    ON CONFLICT (user_id, hotel_id, check_in, check_out, occupancy) WHERE is_active
    DO UPDATE SET
        user_email   = EXCLUDED.user_email,
        user_name    = EXCLUDED.user_name,
        target_price = EXCLUDED.target_price,
        conditions   = EXCLUDED.conditions,
        updated_at   = now()
    RETURNING ` + watchItemColumns + `;`

	deactivateWatchItemSQL = `UPDATE watch_items
    SET is_active = FALSE, updated_at = now()
    WHERE id = $1 AND is_active;`

	deactivateExpiredWatchItemsSQL = `UPDATE watch_items
    SET is_active = FALSE, updated_at = now()
    WHERE is_active AND check_in <= $1;`

	markWatchItemCheckedSQL = `UPDATE watch_items SET last_checked_at = $2 WHERE id = $1;`

	incrementAlertCountSQL = `UPDATE watch_items SET alert_count = alert_count + 1 WHERE id = $1;`
)

// ValidateNewWatchItem enforces the registry invariants for an upsert at now.
func ValidateNewWatchItem(item model.WatchItem, now time.Time) error {
	if item.UserID == "" {
		return fmt.Errorf("watch item: user id is required")
	}
	if err := item.Target.Validate(); err != nil {
		return fmt.Errorf("watch item: %w", err)
	}
	today := now.UTC().Truncate(24 * time.Hour)
	if !item.Target.CheckIn.After(today) {
		return ErrCheckInPassed
	}
	return nil
}

// ListActiveWatchItems returns every active subscription grouped by target.
func (s *Store) ListActiveWatchItems(ctx context.Context) ([]model.WatchItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listActiveWatchItemsSQL)
	if err != nil {
		return nil, fmt.Errorf("list active watch items: %w", err)
	}
	defer rows.Close()

	items := make([]model.WatchItem, 0)
	for rows.Next() {
		item, scanErr := scanWatchItem(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

// GetWatchItem loads one watch item by id.
func (s *Store) GetWatchItem(ctx context.Context, id int64) (model.WatchItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.WatchItem{}, err
	}

	item, err := scanWatchItem(pool.QueryRow(ctx, getWatchItemSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WatchItem{}, ErrNotFound
	}
	if err != nil {
		return model.WatchItem{}, fmt.Errorf("get watch item: %w", err)
	}
	return item, nil
}

// UpsertWatchItem creates a subscription or updates the active duplicate.
func (s *Store) UpsertWatchItem(ctx context.Context, item model.WatchItem) (model.WatchItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.WatchItem{}, err
	}
	if err := ValidateNewWatchItem(item, time.Now()); err != nil {
		return model.WatchItem{}, err
	}

	conditions, err := json.Marshal(item.Conditions)
	if err != nil {
		return model.WatchItem{}, fmt.Errorf("marshal alert conditions: %w", err)
	}

	row := pool.QueryRow(ctx, upsertWatchItemSQL,
		item.UserID,
		item.UserEmail,
		item.UserName,
		item.Target.HotelID,
		item.Target.CheckIn,
		item.Target.CheckOut,
		item.Target.Occupancy,
		nullableDecimal(item.TargetPrice),
		conditions,
	)
	saved, err := scanWatchItem(row)
	if err != nil {
		return model.WatchItem{}, fmt.Errorf("upsert watch item: %w", err)
	}
	return saved, nil
}

// DeactivateWatchItem soft-deletes a subscription.
func (s *Store) DeactivateWatchItem(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deactivateWatchItemSQL, id)
	if err != nil {
		return fmt.Errorf("deactivate watch item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateExpiredWatchItems deactivates items whose check-in is on or before today.
func (s *Store) DeactivateExpiredWatchItems(ctx context.Context, today time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deactivateExpiredWatchItemsSQL, today.UTC().Truncate(24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("deactivate expired watch items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkWatchItemChecked stamps the last successful check time.
func (s *Store) MarkWatchItemChecked(ctx context.Context, id int64, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, markWatchItemCheckedSQL, id, at); err != nil {
		return fmt.Errorf("mark watch item checked: %w", err)
	}
	return nil
}

// IncrementAlertCount bumps the alerts-to-date counter.
func (s *Store) IncrementAlertCount(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, incrementAlertCountSQL, id); err != nil {
		return fmt.Errorf("increment alert count: %w", err)
	}
	return nil
}

func scanWatchItem(row pgx.Row) (model.WatchItem, error) {
	var (
		item        model.WatchItem
		targetPrice sql.NullString
		conditions  []byte
		lastChecked sql.NullTime
	)

	if err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.UserEmail,
		&item.UserName,
		&item.Target.HotelID,
		&item.Target.CheckIn,
		&item.Target.CheckOut,
		&item.Target.Occupancy,
		&targetPrice,
		&conditions,
		&item.Active,
		&lastChecked,
		&item.AlertCount,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return model.WatchItem{}, err
	}

	price, err := parseNullDecimal(targetPrice)
	if err != nil {
		return model.WatchItem{}, fmt.Errorf("parse target price: %w", err)
	}
	item.TargetPrice = price

	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &item.Conditions); err != nil {
			return model.WatchItem{}, fmt.Errorf("parse alert conditions: %w", err)
		}
	}
	if lastChecked.Valid {
		at := lastChecked.Time
		item.LastChecked = &at
	}
	item.Target.CheckIn = item.Target.CheckIn.UTC()
	item.Target.CheckOut = item.Target.CheckOut.UTC()
	return item, nil
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}
