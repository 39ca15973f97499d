// Package memstore is an in-process storage.Repository used by tests and dry runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hotel-price-watch/internal/model"
	"hotel-price-watch/internal/storage"
)

// Store keeps every table in memory behind one mutex.
type Store struct {
	mu sync.Mutex

	nextItemID   int64
	nextLedgerID int64

	items        map[int64]model.WatchItem
	observations map[string][]model.Observation
	alerts       map[uuid.UUID]model.Alert
	ledger       []model.LedgerEntry
	queue        map[string]model.MonitorQueueEntry

	// Now is the clock used for validation and timestamps.
	Now func() time.Time
	// PingErr is returned by Ping when set.
	PingErr error
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		items:        make(map[int64]model.WatchItem),
		observations: make(map[string][]model.Observation),
		alerts:       make(map[uuid.UUID]model.Alert),
		queue:        make(map[string]model.MonitorQueueEntry),
		Now:          time.Now,
	}
}

func (s *Store) now() time.Time { return s.Now().UTC() }

// ListActiveWatchItems implements storage.WatchRegistry.
func (s *Store) ListActiveWatchItems(ctx context.Context) ([]model.WatchItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.WatchItem, 0, len(s.items))
	for _, item := range s.items {
		if item.Active {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetWatchItem implements storage.WatchRegistry.
func (s *Store) GetWatchItem(ctx context.Context, id int64) (model.WatchItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return model.WatchItem{}, storage.ErrNotFound
	}
	return item, nil
}

// UpsertWatchItem implements storage.WatchRegistry.
func (s *Store) UpsertWatchItem(ctx context.Context, item model.WatchItem) (model.WatchItem, error) {
	if err := storage.ValidateNewWatchItem(item, s.Now()); err != nil {
		return model.WatchItem{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, existing := range s.items {
		if existing.Active && existing.UserID == item.UserID && existing.Target.Key() == item.Target.Key() {
			existing.UserEmail = item.UserEmail
			existing.UserName = item.UserName
			existing.TargetPrice = item.TargetPrice
			existing.Conditions = item.Conditions
			existing.UpdatedAt = now
			s.items[id] = existing
			return existing, nil
		}
	}

	s.nextItemID++
	item.ID = s.nextItemID
	item.Active = true
	item.AlertCount = 0
	item.LastChecked = nil
	item.CreatedAt = now
	item.UpdatedAt = now
	s.items[item.ID] = item
	return item, nil
}

// DeactivateWatchItem implements storage.WatchRegistry.
func (s *Store) DeactivateWatchItem(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || !item.Active {
		return storage.ErrNotFound
	}
	item.Active = false
	item.UpdatedAt = s.now()
	s.items[id] = item
	return nil
}

// DeactivateExpiredWatchItems implements storage.WatchRegistry.
func (s *Store) DeactivateExpiredWatchItems(ctx context.Context, today time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := today.UTC().Truncate(24 * time.Hour)
	var n int64
	for id, item := range s.items {
		if item.Active && !item.Target.CheckIn.After(cutoff) {
			item.Active = false
			item.UpdatedAt = s.now()
			s.items[id] = item
			n++
		}
	}
	return n, nil
}

// MarkWatchItemChecked implements storage.WatchRegistry.
func (s *Store) MarkWatchItemChecked(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[id]; ok {
		item.LastChecked = &at
		s.items[id] = item
	}
	return nil
}

// IncrementAlertCount implements storage.WatchRegistry.
func (s *Store) IncrementAlertCount(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[id]; ok {
		item.AlertCount++
		s.items[id] = item
	}
	return nil
}

// InsertObservation implements storage.HistoryStore.
func (s *Store) InsertObservation(ctx context.Context, obs model.Observation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := obs.Target.Key()
	list := s.observations[key]
	idx := sort.Search(len(list), func(i int) bool { return !list[i].ObservedAt.Before(obs.ObservedAt) })
	if idx < len(list) && list[idx].ObservedAt.Equal(obs.ObservedAt) {
		return false, nil
	}
	list = append(list, model.Observation{})
	copy(list[idx+1:], list[idx:])
	list[idx] = obs
	s.observations[key] = list
	return true, nil
}

// LatestObservationBefore implements storage.HistoryStore.
func (s *Store) LatestObservationBefore(ctx context.Context, target model.Target, before time.Time) (*model.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.observations[target.Key()]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].ObservedAt.Before(before) {
			obs := list[i]
			return &obs, nil
		}
	}
	return nil, nil
}

// ListObservations implements storage.HistoryStore.
func (s *Store) ListObservations(ctx context.Context, target model.Target, from, to time.Time) ([]model.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Observation, 0)
	for _, obs := range s.observations[target.Key()] {
		if !obs.ObservedAt.Before(from) && obs.ObservedAt.Before(to) {
			out = append(out, obs)
		}
	}
	return out, nil
}

// InsertAlert implements storage.AlertStore.
func (s *Store) InsertAlert(ctx context.Context, alert model.Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.alerts {
		if existing.WatchItemID == alert.WatchItemID && existing.Type == alert.Type && existing.ObservedAt.Equal(alert.ObservedAt) {
			return false, nil
		}
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	s.alerts[alert.ID] = alert
	return true, nil
}

// UpdateAlertStatus implements storage.AlertStore.
func (s *Store) UpdateAlertStatus(ctx context.Context, id uuid.UUID, status model.DeliveryStatus, errMsg *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return storage.ErrNotFound
	}
	alert.Status = status
	alert.Error = errMsg
	if status == model.StatusSent {
		alert.SentAt = &at
	}
	s.alerts[id] = alert
	return nil
}

// ListDigestAlerts implements storage.AlertStore.
func (s *Store) ListDigestAlerts(ctx context.Context, since time.Time) ([]model.DigestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.DigestEntry, 0)
	for _, alert := range s.alerts {
		if alert.Status != model.StatusSent || alert.SentAt == nil || alert.SentAt.Before(since) {
			continue
		}
		item := s.items[alert.WatchItemID]
		out = append(out, model.DigestEntry{Alert: alert, UserEmail: item.UserEmail, UserName: item.UserName})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Alert, out[j].Alert
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ObservedAt.Before(b.ObservedAt)
	})
	return out, nil
}

// Alerts returns a snapshot of every recorded alert.
func (s *Store) Alerts() []model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CountRecentNotifications implements storage.LedgerStore.
func (s *Store) CountRecentNotifications(ctx context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.ledger {
		if e.UserID == userID && e.CreatedAt.After(since) && e.Type != model.AlertDailyDigest {
			n++
		}
	}
	return n, nil
}

// InsertLedgerEntry implements storage.LedgerStore.
func (s *Store) InsertLedgerEntry(ctx context.Context, entry model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLedgerID++
	entry.ID = s.nextLedgerID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.ledger = append(s.ledger, entry)
	return nil
}

// Ledger returns a snapshot of the notification ledger.
func (s *Store) Ledger() []model.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]model.LedgerEntry(nil), s.ledger...)
}

// ListQueueEntries implements storage.MonitorQueue.
func (s *Store) ListQueueEntries(ctx context.Context) ([]model.MonitorQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.MonitorQueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		out = append(out, e)
	}
	return out, nil
}

// UpsertQueueEntry implements storage.MonitorQueue.
func (s *Store) UpsertQueueEntry(ctx context.Context, entry model.MonitorQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.UpdatedAt = s.now()
	s.queue[entry.Target.Key()] = entry
	return nil
}

// ClearQueueEntry implements storage.MonitorQueue.
func (s *Store) ClearQueueEntry(ctx context.Context, target model.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queue, target.Key())
	return nil
}

// PruneOlderThan implements storage.Maintainer.
func (s *Store) PruneOlderThan(ctx context.Context, table storage.Table, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	switch table {
	case storage.TableObservations:
		for key, list := range s.observations {
			if len(list) == 0 {
				continue
			}
			kept := make([]model.Observation, 0, len(list))
			for i, obs := range list {
				if obs.ObservedAt.Before(cutoff) && i < len(list)-1 {
					n++
					continue
				}
				kept = append(kept, obs)
			}
			s.observations[key] = kept
		}
	case storage.TableAlerts:
		for id, a := range s.alerts {
			if a.CreatedAt.Before(cutoff) {
				delete(s.alerts, id)
				n++
			}
		}
	case storage.TableLedger:
		kept := s.ledger[:0]
		for _, e := range s.ledger {
			if e.CreatedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		s.ledger = kept
	case storage.TableMonitorQueue:
		for key, e := range s.queue {
			if e.UpdatedAt.Before(cutoff) {
				delete(s.queue, key)
				n++
			}
		}
	default:
		return 0, fmt.Errorf("prune: unknown table %q", table)
	}
	return n, nil
}

// Ping implements storage.Maintainer.
func (s *Store) Ping(ctx context.Context) error {
	return s.PingErr
}

var _ storage.Repository = (*Store)(nil)
