package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hotel-price-watch/internal/config"
	"hotel-price-watch/internal/dispatch"
	"hotel-price-watch/internal/evaluator"
	"hotel-price-watch/internal/model"
	"hotel-price-watch/internal/pricesource"
	"hotel-price-watch/internal/storage"
	"hotel-price-watch/internal/storage/memstore"
	"hotel-price-watch/internal/throttle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fetchFunc func(ctx context.Context) (model.Observation, error)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]fetchFunc
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: make(map[string]fetchFunc), calls: make(map[string]int)}
}

func (f *fakeFetcher) set(target model.Target, fn fetchFunc) {
	f.mu.Lock()
	f.responses[target.Key()] = fn
	f.mu.Unlock()
}

func (f *fakeFetcher) count(target model.Target) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target.Key()]
}

func (f *fakeFetcher) Fetch(ctx context.Context, target model.Target) (model.Observation, error) {
	f.mu.Lock()
	f.calls[target.Key()]++
	fn, ok := f.responses[target.Key()]
	f.mu.Unlock()
	if !ok {
		return model.Observation{}, &pricesource.Failure{Kind: pricesource.KindPermanent, Reason: "unknown hotel", Attempts: 1}
	}
	return fn(ctx)
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *fakeMailer) Send(_ context.Context, to, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to+": "+subject)
	return nil
}

func (m *fakeMailer) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type fakeOps struct {
	mu     sync.Mutex
	events []dispatch.OpsEvent
}

func (o *fakeOps) Notify(_ context.Context, e dispatch.OpsEvent) error {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
	return nil
}

func (o *fakeOps) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

type harness struct {
	clock   *fakeClock
	store   *memstore.Store
	fetcher *fakeFetcher
	mailer  *fakeMailer
	ops     *fakeOps
	orch    *Orchestrator
}

type harnessOption func(*Deps, *Options)

func newHarness(t *testing.T, dailyCap int, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		clock:   &fakeClock{t: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)},
		store:   memstore.New(),
		fetcher: newFakeFetcher(),
		mailer:  &fakeMailer{},
		ops:     &fakeOps{},
	}
	h.store.Now = h.clock.Now

	th := throttle.New(h.store, dailyCap, 24*time.Hour, throttle.WithClock(h.clock.Now))
	deps := Deps{
		Repo:       h.store,
		Fetcher:    h.fetcher,
		Evaluator:  evaluator.New(evaluator.DefaultThresholds()),
		Throttle:   th,
		Dispatcher: dispatch.New(h.mailer, h.store, th, zerolog.Nop()),
		Ops:        h.ops,
	}
	options := Options{
		Interval:      15 * time.Minute,
		BatchSize:     5,
		ShutdownGrace: time.Second,
		Clock:         h.clock.Now,
		Retention: config.RetentionConfig{
			Observations: 720 * time.Hour,
			Alerts:       2160 * time.Hour,
			Ledger:       720 * time.Hour,
			MonitorQueue: 168 * time.Hour,
		},
	}
	for _, opt := range opts {
		opt(&deps, &options)
	}
	h.orch = New(deps, options, zerolog.Nop())
	t.Cleanup(func() { _ = h.orch.Shutdown() })
	return h
}

func (h *harness) target(t *testing.T, hotel string) model.Target {
	t.Helper()
	tg, err := model.NewTarget(hotel, "2026-12-10", "2026-12-12", 2)
	require.NoError(t, err)
	return tg
}

func (h *harness) watch(t *testing.T, user string, tg model.Target) model.WatchItem {
	t.Helper()
	item, err := h.store.UpsertWatchItem(context.Background(), model.WatchItem{
		UserID: user, UserEmail: user + "@example.com", Target: tg, Conditions: model.DefaultConditions(),
	})
	require.NoError(t, err)
	return item
}

func (h *harness) seedPrice(t *testing.T, tg model.Target, price int64, at time.Time) {
	t.Helper()
	_, err := h.store.InsertObservation(context.Background(), observation(tg, price, at))
	require.NoError(t, err)
}

func observation(tg model.Target, price int64, at time.Time) model.Observation {
	return model.Observation{Target: tg, Price: decimal.NewFromInt(price), Status: model.Available, ObservedAt: at}
}

// priceAt returns a fetch that reports price stamped with the harness clock.
func (h *harness) priceAt(tg model.Target, price int64) fetchFunc {
	return func(context.Context) (model.Observation, error) {
		return observation(tg, price, h.clock.Now()), nil
	}
}

func countStatus(alerts []model.Alert, status model.DeliveryStatus) int {
	n := 0
	for _, a := range alerts {
		if a.Status == status {
			n++
		}
	}
	return n
}

func TestCycleSendsPriceDrop(t *testing.T) {
	h := newHarness(t, 10)
	tg := h.target(t, "sapporo-hills")
	h.watch(t, "u1", tg)
	h.seedPrice(t, tg, 10000, h.clock.Now().Add(-15*time.Minute))
	h.fetcher.set(tg, h.priceAt(tg, 8800))

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, stats.RunID)
	assert.Equal(t, 1, stats.TargetsChecked)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.AlertsSent)
	assert.Zero(t, stats.Errors)

	alerts := h.store.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertPriceDrop, alerts[0].Type)
	assert.Equal(t, model.StatusSent, alerts[0].Status)
	assert.Len(t, h.store.Ledger(), 1)
	assert.Len(t, h.mailer.messages(), 1)

	status := h.orch.Status()
	require.NotNil(t, status.LastCycle)
	assert.Equal(t, stats.RunID, status.LastCycle.RunID)
	assert.False(t, status.Running[JobCycle])
}

func TestFirstObservationNeverAlertsPriceDrop(t *testing.T) {
	h := newHarness(t, 10)
	tg := h.target(t, "nara-park")
	h.watch(t, "u1", tg)
	h.fetcher.set(tg, h.priceAt(tg, 100))

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Zero(t, stats.AlertsSent)
	assert.Empty(t, h.store.Alerts())
}

func TestFirstObservationNeverAlertsAnyType(t *testing.T) {
	h := newHarness(t, 10)
	tg := h.target(t, "hakone-onsen")
	target := decimal.NewFromInt(20000)
	_, err := h.store.UpsertWatchItem(context.Background(), model.WatchItem{
		UserID: "u1", UserEmail: "u1@example.com", Target: tg, TargetPrice: &target, Conditions: model.DefaultConditions(),
	})
	require.NoError(t, err)

	rooms := 2
	h.fetcher.set(tg, func(context.Context) (model.Observation, error) {
		return model.Observation{Target: tg, Price: decimal.NewFromInt(15000), Status: model.Limited, RemainingRooms: &rooms, ObservedAt: h.clock.Now()}, nil
	})

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Zero(t, stats.AlertsSent)
	assert.Empty(t, h.store.Alerts())
	assert.Empty(t, h.mailer.messages())

	// the next poll has a baseline but the price is unchanged below target
	h.clock.Advance(15 * time.Minute)
	stats, err = h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.AlertsSent)
	assert.Empty(t, h.store.Alerts())
}

func TestSharedTargetFetchedOnce(t *testing.T) {
	h := newHarness(t, 10)
	tg := h.target(t, "kobe-harbor")
	h.watch(t, "u1", tg)
	h.watch(t, "u2", tg)
	h.seedPrice(t, tg, 20000, h.clock.Now().Add(-time.Hour))
	h.fetcher.set(tg, h.priceAt(tg, 15000))

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.fetcher.count(tg))
	assert.Equal(t, 1, stats.TargetsChecked)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 2, stats.AlertsSent)
}

func TestFailingTargetDoesNotAffectSiblings(t *testing.T) {
	h := newHarness(t, 100, func(_ *Deps, o *Options) { o.BatchSize = 10 })

	var failing model.Target
	for i := 0; i < 10; i++ {
		tg := h.target(t, fmt.Sprintf("hotel-%02d", i))
		h.watch(t, fmt.Sprintf("user-%02d", i), tg)
		h.seedPrice(t, tg, 10000, h.clock.Now().Add(-time.Hour))
		if i == 4 {
			failing = tg
			continue // no responder: permanent failure
		}
		h.fetcher.set(tg, h.priceAt(tg, 8000))
	}

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, stats.TargetsChecked)
	assert.Equal(t, 9, stats.Processed)
	assert.Equal(t, 9, stats.AlertsSent)
	assert.Equal(t, 1, stats.Errors)

	queue, err := h.store.ListQueueEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, failing.Key(), queue[0].Target.Key())
	assert.Equal(t, model.QueueFailed, queue[0].Status)
	assert.Equal(t, 1, queue[0].ErrorCount)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), queue[0].NextCheckAt)
}

func TestPanickingTargetIsIsolated(t *testing.T) {
	h := newHarness(t, 10)
	bad := h.target(t, "panic-inn")
	good := h.target(t, "calm-inn")
	h.watch(t, "u1", bad)
	h.watch(t, "u2", good)
	h.fetcher.set(bad, func(context.Context) (model.Observation, error) { panic("boom") })
	h.fetcher.set(good, h.priceAt(good, 5000))

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.Processed)
}

func TestReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, 10)
	tg := h.target(t, "hakone-onsen")
	h.watch(t, "u1", tg)
	h.seedPrice(t, tg, 10000, h.clock.Now().Add(-time.Hour))

	fixed := observation(tg, 8000, h.clock.Now())
	h.fetcher.set(tg, func(context.Context) (model.Observation, error) { return fixed, nil })

	first, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.AlertsSent)

	h.clock.Advance(15 * time.Minute)
	second, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Replays)
	assert.Zero(t, second.Processed)
	assert.Zero(t, second.AlertsSent)

	assert.Len(t, h.store.Alerts(), 1)
	assert.Len(t, h.store.Ledger(), 1)
	assert.Len(t, h.mailer.messages(), 1)
}

func TestThrottledAlertIsRecordedNotSent(t *testing.T) {
	h := newHarness(t, 1)
	a := h.target(t, "ginza-tower")
	b := h.target(t, "shibuya-stay")
	h.watch(t, "u1", a)
	h.watch(t, "u1", b)
	for _, tg := range []model.Target{a, b} {
		h.seedPrice(t, tg, 30000, h.clock.Now().Add(-time.Hour))
		h.fetcher.set(tg, h.priceAt(tg, 20000))
	}

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AlertsSent)
	assert.Equal(t, 1, stats.AlertsThrottled)

	alerts := h.store.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, 1, countStatus(alerts, model.StatusSent))
	assert.Equal(t, 1, countStatus(alerts, model.StatusThrottled))
	assert.Len(t, h.store.Ledger(), 1, "throttled alerts are not charged")
	assert.Len(t, h.mailer.messages(), 1)
}

func TestDispatchFailureMarksAlertFailed(t *testing.T) {
	h := newHarness(t, 10)
	h.mailer.err = errors.New("smtp: connection reset")
	tg := h.target(t, "fukuoka-bay")
	h.watch(t, "u1", tg)
	h.seedPrice(t, tg, 10000, h.clock.Now().Add(-time.Hour))
	h.fetcher.set(tg, h.priceAt(tg, 7000))

	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AlertsFailed)
	assert.Equal(t, 1, stats.Errors)

	alerts := h.store.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.StatusFailed, alerts[0].Status)

	ledger := h.store.Ledger()
	require.Len(t, ledger, 1)
	assert.False(t, ledger[0].Success)
}

func TestTransientFailureBacksOff(t *testing.T) {
	h := newHarness(t, 10)
	tg := h.target(t, "okinawa-beach")
	h.watch(t, "u1", tg)
	h.fetcher.set(tg, func(context.Context) (model.Observation, error) {
		return model.Observation{}, &pricesource.Failure{Kind: pricesource.KindRateLimited, Attempts: 3}
	})

	_, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.fetcher.count(tg))

	queue, err := h.store.ListQueueEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), queue[0].NextCheckAt)
	assert.Equal(t, model.QueuePending, queue[0].Status)

	h.clock.Advance(5 * time.Minute)
	stats, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, h.fetcher.count(tg))

	h.clock.Advance(10 * time.Minute)
	h.fetcher.set(tg, h.priceAt(tg, 9000))
	_, err = h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.fetcher.count(tg))

	queue, err = h.store.ListQueueEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queue, "success clears the queue entry")
}

func TestBackoffIsCapped(t *testing.T) {
	h := newHarness(t, 10)
	tg := h.target(t, "niseko-lodge")
	g := targetGroup{target: tg, queue: &model.MonitorQueueEntry{Target: tg, ErrorCount: 40}}

	h.orch.recordFailure(context.Background(), g, &pricesource.Failure{Kind: pricesource.KindNetwork}, zerolog.Nop())

	queue, err := h.store.ListQueueEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, 41, queue[0].ErrorCount)
	assert.Equal(t, h.clock.Now().Add(6*time.Hour), queue[0].NextCheckAt)
}

type failingRepo struct {
	*memstore.Store
}

func (failingRepo) ListActiveWatchItems(context.Context) ([]model.WatchItem, error) {
	return nil, errors.New("connection refused")
}

func TestListingFailureAbortsCycle(t *testing.T) {
	h := newHarness(t, 10)
	h.orch.deps.Repo = failingRepo{Store: h.store}

	_, err := h.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list watch items")
	assert.Equal(t, 1, h.ops.count())
	assert.Contains(t, h.orch.Status().LastError, "connection refused")

	// the guard is released for the next trigger
	_, err = h.orch.RunCycle(context.Background())
	assert.NotErrorIs(t, err, ErrCycleInProgress)
}

func TestOverlappingTriggerIsSkipped(t *testing.T) {
	h := newHarness(t, 10)
	tg := h.target(t, "slow-ryokan")
	h.watch(t, "u1", tg)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.fetcher.set(tg, func(ctx context.Context) (model.Observation, error) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return observation(tg, 5000, h.clock.Now()), nil
	})

	require.NoError(t, h.orch.TriggerCycle())
	<-entered

	assert.ErrorIs(t, h.orch.TriggerCycle(), ErrCycleInProgress)
	_, err := h.orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.True(t, h.orch.Status().Running[JobCycle])

	// auxiliary jobs have their own guards
	_, err = h.orch.RunHealthCheck(context.Background())
	assert.NoError(t, err)

	close(release)
	require.NoError(t, h.orch.Shutdown())
	assert.Equal(t, 1, h.fetcher.count(tg))
	assert.ErrorIs(t, h.orch.TriggerCycle(), ErrStopping)
}

func TestShutdownCancelsAfterGrace(t *testing.T) {
	h := newHarness(t, 10, func(_ *Deps, o *Options) { o.ShutdownGrace = 50 * time.Millisecond })
	tg := h.target(t, "stuck-hotel")
	h.watch(t, "u1", tg)

	entered := make(chan struct{})
	h.fetcher.set(tg, func(ctx context.Context) (model.Observation, error) {
		close(entered)
		<-ctx.Done()
		return model.Observation{}, &pricesource.Failure{Kind: pricesource.KindUnexpected, Err: ctx.Err()}
	})

	require.NoError(t, h.orch.TriggerCycle())
	<-entered

	done := make(chan struct{})
	go func() {
		_ = h.orch.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not cancel the running cycle")
	}
	assert.True(t, h.orch.Status().Stopping)
}

func TestBatchDelayIsCancellable(t *testing.T) {
	h := newHarness(t, 10, func(_ *Deps, o *Options) {
		o.BatchSize = 1
		o.BatchDelay = time.Hour
	})
	for _, name := range []string{"a-hotel", "b-hotel"} {
		tg := h.target(t, name)
		h.watch(t, "u-"+name, tg)
		h.fetcher.set(tg, h.priceAt(tg, 1000))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	stats, err := h.orch.RunCycle(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, stats.TargetsChecked)
}

func TestCheckTargetUnwatched(t *testing.T) {
	h := newHarness(t, 10)
	tg := h.target(t, "walk-in")
	h.fetcher.set(tg, h.priceAt(tg, 4000))

	res, err := h.orch.CheckTarget(context.Background(), tg)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Zero(t, res.Items)
	require.NotNil(t, res.Observation)

	history, err := h.store.ListObservations(context.Background(), tg, h.clock.Now().Add(-time.Hour), h.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCheckTargetReportsFailure(t *testing.T) {
	h := newHarness(t, 10)
	tg := h.target(t, "ghost-hotel")

	_, err := h.orch.CheckTarget(context.Background(), tg)
	assert.True(t, pricesource.IsPermanent(err))
}

func TestRunDigestGroupsByUser(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	tg := h.target(t, "digest-inn")
	item := h.watch(t, "u1", tg)
	other := h.watch(t, "u2", tg)

	sent := func(it model.WatchItem, typ model.AlertType, at time.Time) {
		a := model.Alert{ID: uuid.New(), WatchItemID: it.ID, UserID: it.UserID, Type: typ, Priority: typ.Priority(),
			Target: tg, CurrentPrice: decimal.NewFromInt(5000), ObservedAt: at, Status: model.StatusPending}
		_, err := h.store.InsertAlert(ctx, a)
		require.NoError(t, err)
		require.NoError(t, h.store.UpdateAlertStatus(ctx, a.ID, model.StatusSent, nil, at))
	}
	now := h.clock.Now()
	sent(item, model.AlertNewAvailability, now.Add(-2*time.Hour))
	sent(item, model.AlertPriceDrop, now.Add(-time.Hour))
	sent(other, model.AlertLastRoom, now.Add(-30*time.Minute))
	sent(other, model.AlertPriceDrop, now.Add(-30*time.Hour)) // outside the window

	report, err := h.orch.RunDigest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Users)
	assert.Equal(t, 2, report.Sent)

	msgs := h.mailer.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "u1@example.com: Your hotel price summary: 2 alerts", msgs[0])

	for _, e := range h.store.Ledger() {
		assert.Equal(t, model.AlertDailyDigest, e.Type)
	}
	allowed, err := h.orch.deps.Throttle.MayNotify(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestHealthCheckNotifiesOnFailure(t *testing.T) {
	h := newHarness(t, 10)

	report, err := h.orch.RunHealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Zero(t, h.ops.count())

	h.store.PingErr = errors.New("too many connections")
	report, err = h.orch.RunHealthCheck(context.Background())
	require.Error(t, err)
	assert.False(t, report.Healthy())
	assert.Equal(t, "too many connections", report.Checks["database"])
	assert.Equal(t, 1, h.ops.count())
}

func TestMaintenance(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	tg := h.target(t, "expiring-inn")
	item := h.watch(t, "u1", tg)
	h.seedPrice(t, tg, 100, h.clock.Now().Add(-60*24*time.Hour))
	h.seedPrice(t, tg, 110, h.clock.Now().Add(-59*24*time.Hour))
	require.NoError(t, h.store.InsertLedgerEntry(ctx, model.LedgerEntry{UserID: "u1", Type: model.AlertPriceDrop, CreatedAt: h.clock.Now().Add(-40 * 24 * time.Hour)}))

	report, err := h.orch.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Deactivated)
	assert.Equal(t, int64(1), report.Observations)
	assert.Equal(t, int64(1), report.Ledger)

	// jump past check-in
	h.clock.Advance(60 * 24 * time.Hour)
	report, err = h.orch.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Deactivated)

	got, err := h.store.GetWatchItem(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 10, func(_ *Deps, o *Options) { o.Interval = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	h.orch.Pause()
	assert.True(t, h.orch.Status().Paused)
	h.orch.Resume()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	assert.ErrorIs(t, h.orch.TriggerDigest(), ErrStopping)
}

func TestGroupByTargetAttachesQueue(t *testing.T) {
	tg, err := model.NewTarget("h1", "2026-12-01", "2026-12-02", 1)
	require.NoError(t, err)
	other, err := model.NewTarget("h2", "2026-12-01", "2026-12-02", 1)
	require.NoError(t, err)

	groups := groupByTarget(
		[]model.WatchItem{{ID: 1, Target: other}, {ID: 2, Target: tg}, {ID: 3, Target: tg}},
		[]model.MonitorQueueEntry{{Target: tg, ErrorCount: 2}},
	)
	require.Len(t, groups, 2)
	assert.Equal(t, "h1", groups[0].target.HotelID)
	assert.Len(t, groups[0].items, 2)
	require.NotNil(t, groups[0].queue)
	assert.Equal(t, 2, groups[0].queue.ErrorCount)
	assert.Nil(t, groups[1].queue)
}

var _ storage.Repository = failingRepo{}
