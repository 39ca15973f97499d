// Package throttle enforces the per-user notification budget over a sliding
// window backed by the notification ledger.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"hotel-price-watch/internal/model"
	"hotel-price-watch/internal/storage"
)

const (
	DefaultCap    = 10
	DefaultWindow = 24 * time.Hour
)

// Throttle answers whether a user may receive another alert.
type Throttle struct {
	ledger storage.LedgerStore
	cap    int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	users map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// Option customises a Throttle.
type Option func(*Throttle)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Throttle) { t.now = now }
}

// New builds a Throttle. Non-positive cap or window fall back to defaults.
func New(ledger storage.LedgerStore, limit int, window time.Duration, opts ...Option) *Throttle {
	if limit <= 0 {
		limit = DefaultCap
	}
	if window <= 0 {
		window = DefaultWindow
	}
	t := &Throttle{
		ledger: ledger,
		cap:    limit,
		window: window,
		now:    time.Now,
		users:  make(map[string]*userLock),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Cap returns the configured per-window limit.
func (t *Throttle) Cap() int { return t.cap }

// Lock serialises budget checks and ledger writes for one user. The returned
// func releases the lock.
func (t *Throttle) Lock(userID string) func() {
	t.mu.Lock()
	l, ok := t.users[userID]
	if !ok {
		l = &userLock{}
		t.users[userID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.users, userID)
		}
		t.mu.Unlock()
	}
}

// Remaining returns how many alerts the user may still receive in the window.
func (t *Throttle) Remaining(ctx context.Context, userID string) (int, error) {
	n, err := t.ledger.CountRecentNotifications(ctx, userID, t.now().Add(-t.window))
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	if n >= t.cap {
		return 0, nil
	}
	return t.cap - n, nil
}

// MayNotify reports whether the user is under the cap.
func (t *Throttle) MayNotify(ctx context.Context, userID string) (bool, error) {
	left, err := t.Remaining(ctx, userID)
	if err != nil {
		return false, err
	}
	return left > 0, nil
}

// Record charges one dispatch attempt to the user's ledger.
func (t *Throttle) Record(ctx context.Context, userID string, typ model.AlertType, alertID *uuid.UUID, success bool) error {
	entry := model.LedgerEntry{
		UserID:    userID,
		Type:      typ,
		AlertID:   alertID,
		Success:   success,
		CreatedAt: t.now().UTC(),
	}
	if err := t.ledger.InsertLedgerEntry(ctx, entry); err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}
