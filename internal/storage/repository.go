package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"hotel-price-watch/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a single-row lookup matches nothing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCheckInPassed rejects watch items whose stay already started.
	ErrCheckInPassed = errors.New("storage: check-in date must be in the future")
)

// Table names a prunable table.
type Table string

const (
	TableObservations Table = "observations"
	TableAlerts       Table = "alerts"
	TableLedger       Table = "notification_ledger"
	TableMonitorQueue Table = "monitor_queue"
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	// The newest observation per target survives pruning so that stale
	// history stays distinguishable from no history.
	pruneObservationsSQL = `DELETE FROM observations o
    WHERE o.observed_at < $1
      AND EXISTS (
        SELECT 1 FROM observations n
        WHERE n.hotel_id = o.hotel_id
          AND n.check_in = o.check_in
          AND n.check_out = o.check_out
          AND n.occupancy = o.occupancy
          AND n.observed_at > o.observed_at
      );`
	pruneAlertsSQL       = `DELETE FROM alerts WHERE created_at < $1;`
	pruneLedgerSQL       = `DELETE FROM notification_ledger WHERE created_at < $1;`
	pruneMonitorQueueSQL = `DELETE FROM monitor_queue WHERE updated_at < $1;`
)

// WatchRegistry manages watch item subscriptions.
type WatchRegistry interface {
	ListActiveWatchItems(ctx context.Context) ([]model.WatchItem, error)
	GetWatchItem(ctx context.Context, id int64) (model.WatchItem, error)
	UpsertWatchItem(ctx context.Context, item model.WatchItem) (model.WatchItem, error)
	DeactivateWatchItem(ctx context.Context, id int64) error
	DeactivateExpiredWatchItems(ctx context.Context, today time.Time) (int64, error)
	MarkWatchItemChecked(ctx context.Context, id int64, at time.Time) error
	IncrementAlertCount(ctx context.Context, id int64) error
}

// HistoryStore persists append-only observations.
type HistoryStore interface {
	// InsertObservation reports false when the (target, observed_at) pair already exists.
	InsertObservation(ctx context.Context, obs model.Observation) (bool, error)
	LatestObservationBefore(ctx context.Context, target model.Target, before time.Time) (*model.Observation, error)
	ListObservations(ctx context.Context, target model.Target, from, to time.Time) ([]model.Observation, error)
}

// AlertStore records alert decisions and their delivery status.
type AlertStore interface {
	// InsertAlert reports false when the same alert was already recorded for the poll.
	InsertAlert(ctx context.Context, alert model.Alert) (bool, error)
	UpdateAlertStatus(ctx context.Context, id uuid.UUID, status model.DeliveryStatus, errMsg *string, at time.Time) error
	ListDigestAlerts(ctx context.Context, since time.Time) ([]model.DigestEntry, error)
}

// LedgerStore is the per-user notification ledger used for throttling.
type LedgerStore interface {
	CountRecentNotifications(ctx context.Context, userID string, since time.Time) (int, error)
	InsertLedgerEntry(ctx context.Context, entry model.LedgerEntry) error
}

// MonitorQueue holds retry bookkeeping for failing targets.
type MonitorQueue interface {
	ListQueueEntries(ctx context.Context) ([]model.MonitorQueueEntry, error)
	UpsertQueueEntry(ctx context.Context, entry model.MonitorQueueEntry) error
	ClearQueueEntry(ctx context.Context, target model.Target) error
}

// Maintainer prunes retained data and checks connectivity.
type Maintainer interface {
	PruneOlderThan(ctx context.Context, table Table, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Repository is everything the monitoring pipeline needs from storage.
type Repository interface {
	WatchRegistry
	HistoryStore
	AlertStore
	LedgerStore
	MonitorQueue
	Maintainer
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session when the connection is recycled.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// PruneOlderThan deletes rows of table older than cutoff.
func (s *Store) PruneOlderThan(ctx context.Context, table Table, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var query string
	switch table {
	case TableObservations:
		query = pruneObservationsSQL
	case TableAlerts:
		query = pruneAlertsSQL
	case TableLedger:
		query = pruneLedgerSQL
	case TableMonitorQueue:
		query = pruneMonitorQueueSQL
	default:
		return 0, fmt.Errorf("prune: unknown table %q", table)
	}

	tag, err := pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

var _ Repository = (*Store)(nil)
var _ AdvisoryLocker = (*Store)(nil)
