package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotel-price-watch/internal/model"
)

// testDSNEnv points the Postgres tests at a scratch database. They are
// skipped when it is unset.
const testDSNEnv = "HOTELWATCH_TEST_DATABASE_DSN"

// newTestStore migrates a throwaway schema and returns a Store bound to it.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	ctx := context.Background()

	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	schema := "hotelwatch_test_" + uuid.NewString()[:8]
	_, err = admin.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA %q`, schema))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA %q CASCADE`, schema))
		admin.Close()
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	store := NewStore(pool)
	t.Cleanup(store.Close)

	applied, err := store.Migrate(ctx, "../../migrations")
	require.NoError(t, err)
	require.NotEmpty(t, applied)
	return store
}

func futureTarget(hotel string) model.Target {
	checkIn := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 30)
	return model.Target{HotelID: hotel, CheckIn: checkIn, CheckOut: checkIn.AddDate(0, 0, 2), Occupancy: 2}
}

func priceObservation(tg model.Target, price int64, at time.Time) model.Observation {
	return model.Observation{Target: tg, Price: decimal.NewFromInt(price), Status: model.Available, ObservedAt: at}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	applied, err := store.Migrate(context.Background(), "../../migrations")
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestInsertObservationReplay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tg := futureTarget("kyoto-ryokan")
	at := time.Now().UTC().Truncate(time.Second)

	inserted, err := store.InsertObservation(ctx, priceObservation(tg, 12000, at))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertObservation(ctx, priceObservation(tg, 11000, at))
	require.NoError(t, err)
	assert.False(t, inserted, "same tuple and instant is a replay")

	got, err := store.ListObservations(ctx, tg, at.Add(-time.Minute), at.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Price.Equal(decimal.NewFromInt(12000)))

	prev, err := store.LatestObservationBefore(ctx, tg, at.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.True(t, prev.ObservedAt.Equal(at))

	prev, err = store.LatestObservationBefore(ctx, tg, at)
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestPruneObservationsKeepsNewestPerTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	busy := futureTarget("osaka-bay")
	quiet := futureTarget("nara-park")

	for _, obs := range []model.Observation{
		priceObservation(busy, 10000, now.Add(-10*24*time.Hour)),
		priceObservation(busy, 9500, now.Add(-9*24*time.Hour)),
		priceObservation(quiet, 8000, now.Add(-10*24*time.Hour)),
	} {
		_, err := store.InsertObservation(ctx, obs)
		require.NoError(t, err)
	}

	deleted, err := store.PruneOlderThan(ctx, TableObservations, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	from := now.Add(-30 * 24 * time.Hour)
	left, err := store.ListObservations(ctx, busy, from, now)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.True(t, left[0].Price.Equal(decimal.NewFromInt(9500)))

	left, err = store.ListObservations(ctx, quiet, from, now)
	require.NoError(t, err)
	assert.Len(t, left, 1, "a lone stale observation survives")
}

func TestUpsertWatchItemOneActivePerTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tg := futureTarget("hakone-onsen")
	first := decimal.NewFromInt(20000)
	second := decimal.NewFromInt(18000)

	a, err := store.UpsertWatchItem(ctx, model.WatchItem{UserID: "u1", UserEmail: "a@example.com", Target: tg, TargetPrice: &first, Conditions: model.DefaultConditions()})
	require.NoError(t, err)
	b, err := store.UpsertWatchItem(ctx, model.WatchItem{UserID: "u1", UserEmail: "b@example.com", Target: tg, TargetPrice: &second, Conditions: model.DefaultConditions()})
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "b@example.com", b.UserEmail)
	require.NotNil(t, b.TargetPrice)
	assert.True(t, b.TargetPrice.Equal(second))

	require.NoError(t, store.DeactivateWatchItem(ctx, a.ID))
	c, err := store.UpsertWatchItem(ctx, model.WatchItem{UserID: "u1", UserEmail: "c@example.com", Target: tg, Conditions: model.DefaultConditions()})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID, "a deactivated row does not block a new subscription")

	active, err := store.ListActiveWatchItems(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, c.ID, active[0].ID)
}

func TestUpsertWatchItemRejectsPastCheckIn(t *testing.T) {
	store := newTestStore(t)
	tg := futureTarget("sapporo-hills")
	tg.CheckIn = time.Now().UTC().Truncate(24 * time.Hour)

	_, err := store.UpsertWatchItem(context.Background(), model.WatchItem{UserID: "u1", UserEmail: "a@example.com", Target: tg})
	assert.ErrorIs(t, err, ErrCheckInPassed)
}
