package storage

import (
	"context"
	"fmt"

	"hotel-price-watch/internal/model"
)

const (
	listQueueEntriesSQL = `SELECT
        hotel_id,
        check_in,
        check_out,
        occupancy,
        status,
        error_count,
        last_error,
        next_check_at,
        updated_at
    FROM monitor_queue;`

	upsertQueueEntrySQL = `INSERT INTO monitor_queue (
        hotel_id,
        check_in,
        check_out,
        occupancy,
        status,
        error_count,
        last_error,
        next_check_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,now()
    )
    ON CONFLICT (hotel_id, check_in, check_out, occupancy) DO UPDATE
    SET
        status        = EXCLUDED.status,
        error_count   = EXCLUDED.error_count,
        last_error    = EXCLUDED.last_error,
        next_check_at = EXCLUDED.next_check_at,
        updated_at    = now();`

	clearQueueEntrySQL = `DELETE FROM monitor_queue
    WHERE hotel_id = $1 AND check_in = $2 AND check_out = $3 AND occupancy = $4;`
)

// ListQueueEntries returns all retry bookkeeping rows.
func (s *Store) ListQueueEntries(ctx context.Context) ([]model.MonitorQueueEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listQueueEntriesSQL)
	if err != nil {
		return nil, fmt.Errorf("list monitor queue: %w", err)
	}
	defer rows.Close()

	out := make([]model.MonitorQueueEntry, 0)
	for rows.Next() {
		var (
			e      model.MonitorQueueEntry
			status string
		)
		if err := rows.Scan(
			&e.Target.HotelID,
			&e.Target.CheckIn,
			&e.Target.CheckOut,
			&e.Target.Occupancy,
			&status,
			&e.ErrorCount,
			&e.LastError,
			&e.NextCheckAt,
			&e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		e.Status = model.QueueStatus(status)
		e.Target.CheckIn = e.Target.CheckIn.UTC()
		e.Target.CheckOut = e.Target.CheckOut.UTC()
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertQueueEntry records the latest failure state of a target.
func (s *Store) UpsertQueueEntry(ctx context.Context, e model.MonitorQueueEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertQueueEntrySQL,
		e.Target.HotelID,
		e.Target.CheckIn,
		e.Target.CheckOut,
		e.Target.Occupancy,
		string(e.Status),
		e.ErrorCount,
		e.LastError,
		e.NextCheckAt,
	); err != nil {
		return fmt.Errorf("upsert monitor queue entry: %w", err)
	}
	return nil
}

// ClearQueueEntry removes bookkeeping once a target is healthy again.
func (s *Store) ClearQueueEntry(ctx context.Context, target model.Target) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, clearQueueEntrySQL,
		target.HotelID, target.CheckIn, target.CheckOut, target.Occupancy); err != nil {
		return fmt.Errorf("clear monitor queue entry: %w", err)
	}
	return nil
}
