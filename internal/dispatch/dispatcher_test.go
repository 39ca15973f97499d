package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotel-price-watch/internal/model"
	"hotel-price-watch/internal/storage/memstore"
	"hotel-price-watch/internal/throttle"
)

type sentMessage struct {
	To, Subject, Body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMessage{To: to, Subject: subject, Body: body})
	return nil
}

type fixture struct {
	store  *memstore.Store
	mailer *fakeMailer
	disp   *Dispatcher
	item   model.WatchItem
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	store.Now = func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) }

	tg, err := model.NewTarget("kyoto-ryokan", "2026-11-20", "2026-11-22", 2)
	require.NoError(t, err)
	item, err := store.UpsertWatchItem(context.Background(), model.WatchItem{
		UserID: "u1", UserEmail: "hana@example.com", UserName: "Hana", Target: tg, Conditions: model.DefaultConditions(),
	})
	require.NoError(t, err)

	mailer := &fakeMailer{}
	th := throttle.New(store, 10, 24*time.Hour)
	return &fixture{store: store, mailer: mailer, disp: New(mailer, store, th, zerolog.Nop()), item: item}
}

func (f *fixture) pendingAlert(t *testing.T, typ model.AlertType) (model.Alert, model.Observation) {
	t.Helper()
	prev := decimal.NewFromInt(10000)
	rooms := 2
	obs := model.Observation{
		Target: f.item.Target, Price: decimal.NewFromInt(8800), Status: model.Limited,
		RemainingRooms: &rooms, ObservedAt: time.Date(2026, 10, 19, 8, 45, 0, 0, time.UTC),
	}
	alert := model.Alert{
		ID: uuid.New(), WatchItemID: f.item.ID, UserID: f.item.UserID, Type: typ, Priority: typ.Priority(),
		Target: f.item.Target, PreviousPrice: &prev, CurrentPrice: obs.Price,
		PriceDelta: decimal.NewFromInt(1200), PercentDelta: decimal.NewFromInt(12),
		ObservedAt: obs.ObservedAt, Status: model.StatusPending,
	}
	inserted, err := f.store.InsertAlert(context.Background(), alert)
	require.NoError(t, err)
	require.True(t, inserted)
	return alert, obs
}

func TestSendSuccess(t *testing.T) {
	f := newFixture(t)
	alert, obs := f.pendingAlert(t, model.AlertPriceDrop)

	res := f.disp.Send(context.Background(), alert, f.item, obs)
	require.NoError(t, res.Err)
	require.NoError(t, res.BookkeepingErr)
	assert.True(t, res.Delivered())

	require.Len(t, f.mailer.sent, 1)
	msg := f.mailer.sent[0]
	assert.Equal(t, "hana@example.com", msg.To)
	assert.Equal(t, "Price drop: kyoto-ryokan now ¥8,800 (-12%)", msg.Subject)
	assert.Contains(t, msg.Body, "Hi Hana")
	assert.Contains(t, msg.Body, "from ¥10,000 to ¥8,800")

	ledger := f.store.Ledger()
	require.Len(t, ledger, 1)
	assert.True(t, ledger[0].Success)
	require.NotNil(t, ledger[0].AlertID)
	assert.Equal(t, alert.ID, *ledger[0].AlertID)

	alerts := f.store.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.StatusSent, alerts[0].Status)
	assert.NotNil(t, alerts[0].SentAt)

	item, err := f.store.GetWatchItem(context.Background(), f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, item.AlertCount)
}

func TestSendFailureStillRecordsLedger(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("smtp: 421 try later")
	alert, obs := f.pendingAlert(t, model.AlertLastRoom)

	res := f.disp.Send(context.Background(), alert, f.item, obs)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.EqualError(t, res.Err, "smtp: 421 try later")

	ledger := f.store.Ledger()
	require.Len(t, ledger, 1)
	assert.False(t, ledger[0].Success)

	alerts := f.store.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.StatusFailed, alerts[0].Status)
	require.NotNil(t, alerts[0].Error)
	assert.Contains(t, *alerts[0].Error, "421")

	item, err := f.store.GetWatchItem(context.Background(), f.item.ID)
	require.NoError(t, err)
	assert.Zero(t, item.AlertCount)
}

func TestSendReportsBookkeepingError(t *testing.T) {
	f := newFixture(t)
	_, obs := f.pendingAlert(t, model.AlertNewAvailability)
	unknown := model.Alert{ID: uuid.New(), WatchItemID: f.item.ID, UserID: "u1", Type: model.AlertNewAvailability, Target: f.item.Target, CurrentPrice: obs.Price}

	res := f.disp.Send(context.Background(), unknown, f.item, obs)
	assert.True(t, res.Delivered())
	assert.Error(t, res.BookkeepingErr)
	assert.Len(t, f.store.Ledger(), 1)
}

func TestSendDigest(t *testing.T) {
	f := newFixture(t)
	alert, _ := f.pendingAlert(t, model.AlertPriceDrop)
	entries := []model.DigestEntry{{Alert: alert, UserEmail: f.item.UserEmail, UserName: f.item.UserName}}

	require.NoError(t, f.disp.SendDigest(context.Background(), "u1", f.item.UserEmail, f.item.UserName, entries))
	require.Len(t, f.mailer.sent, 1)
	assert.Equal(t, "Your hotel price summary: 1 alert", f.mailer.sent[0].Subject)
	assert.Contains(t, f.mailer.sent[0].Body, "[price_drop] kyoto-ryokan")

	ledger := f.store.Ledger()
	require.Len(t, ledger, 1)
	assert.Equal(t, model.AlertDailyDigest, ledger[0].Type)

	assert.NoError(t, f.disp.SendDigest(context.Background(), "u1", f.item.UserEmail, "", nil))
	assert.Len(t, f.mailer.sent, 1)
}

func TestLogMailer(t *testing.T) {
	assert.NoError(t, NewLogMailer(zerolog.Nop()).Send(context.Background(), "a@example.com", "s", "b"))
}

func TestShoutrrrMailerRejectsEmptyURL(t *testing.T) {
	_, err := NewShoutrrrMailer("", time.Second, zerolog.Nop())
	assert.Error(t, err)
}
