package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"hotel-price-watch/internal/model"
)

const (
	observationColumns = `hotel_id, check_in, check_out, occupancy, price, original_price, status, remaining_rooms, observed_at`

	insertObservationSQL = `INSERT INTO observations (
        hotel_id,
        check_in,
        check_out,
        occupancy,
        price,
        original_price,
        status,
        remaining_rooms,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (hotel_id, check_in, check_out, occupancy, observed_at) DO NOTHING;`

	latestObservationBeforeSQL = `SELECT ` + observationColumns + `
    FROM observations
    WHERE hotel_id = $1
      AND check_in = $2
      AND check_out = $3
      AND occupancy = $4
      AND observed_at < $5
    ORDER BY observed_at DESC
    LIMIT 1;`

	listObservationsSQL = `SELECT ` + observationColumns + `
    FROM observations
    WHERE hotel_id = $1
      AND check_in = $2
      AND check_out = $3
      AND occupancy = $4
      AND observed_at >= $5
      AND observed_at < $6
    ORDER BY observed_at;`
)

// InsertObservation appends an observation; replays of the same instant are ignored.
func (s *Store) InsertObservation(ctx context.Context, obs model.Observation) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var rooms interface{}
	if obs.RemainingRooms != nil {
		rooms = *obs.RemainingRooms
	}

	tag, err := pool.Exec(ctx, insertObservationSQL,
		obs.Target.HotelID,
		obs.Target.CheckIn,
		obs.Target.CheckOut,
		obs.Target.Occupancy,
		obs.Price.String(),
		nullableDecimal(obs.OriginalPrice),
		string(obs.Status),
		rooms,
		obs.ObservedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert observation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LatestObservationBefore returns the newest observation strictly before the given instant.
func (s *Store) LatestObservationBefore(ctx context.Context, target model.Target, before time.Time) (*model.Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, latestObservationBeforeSQL,
		target.HotelID, target.CheckIn, target.CheckOut, target.Occupancy, before)
	obs, err := scanObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest observation: %w", err)
	}
	return &obs, nil
}

// ListObservations lists observations of a target within [from, to).
func (s *Store) ListObservations(ctx context.Context, target model.Target, from, to time.Time) ([]model.Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listObservationsSQL,
		target.HotelID, target.CheckIn, target.CheckOut, target.Occupancy, from, to)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	out := make([]model.Observation, 0)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanObservation(row pgx.Row) (model.Observation, error) {
	var (
		obs      model.Observation
		price    string
		original sql.NullString
		status   string
		rooms    sql.NullInt64
	)

	if err := row.Scan(
		&obs.Target.HotelID,
		&obs.Target.CheckIn,
		&obs.Target.CheckOut,
		&obs.Target.Occupancy,
		&price,
		&original,
		&status,
		&rooms,
		&obs.ObservedAt,
	); err != nil {
		return model.Observation{}, err
	}

	var err error
	obs.Price, err = decimal.NewFromString(price)
	if err != nil {
		return model.Observation{}, fmt.Errorf("parse price: %w", err)
	}
	obs.OriginalPrice, err = parseNullDecimal(original)
	if err != nil {
		return model.Observation{}, fmt.Errorf("parse original price: %w", err)
	}
	obs.Status = model.Availability(status)
	if rooms.Valid {
		v := int(rooms.Int64)
		obs.RemainingRooms = &v
	}
	obs.Target.CheckIn = obs.Target.CheckIn.UTC()
	obs.Target.CheckOut = obs.Target.CheckOut.UTC()
	return obs, nil
}
