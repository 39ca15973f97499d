package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.Fetched("", 200*time.Millisecond)
	m.Fetched("rate_limited", time.Second)
	m.Observation(true)
	m.Observation(false)
	m.Alert("price_drop", "sent")
	m.Skipped("cycle")
	m.Skipped("cycle")
	m.JobRun("digest", errors.New("boom"))
	m.Health("database", false)
	m.PrunedRows("observations", 12)
	m.CycleFinished(false, 3*time.Second, time.Unix(1_800_000_000, 0))
	m.CycleFinished(true, 0, time.Time{})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TargetsChecked))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchErrors.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ObservationsTotal.WithLabelValues("replay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsTotal.WithLabelValues("price_drop", "sent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobSkips.WithLabelValues("cycle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("digest", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("database")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.Pruned.WithLabelValues("observations")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("aborted")))
	assert.Equal(t, 1_800_000_000.0, testutil.ToFloat64(m.LastCycle))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Fetched("network", time.Second)
		m.Observation(true)
		m.Alert("last_room", "throttled")
		m.Skipped("health")
		m.JobRun("maintenance", nil)
		m.Health("upstream", true)
		m.PrunedRows("alerts", 3)
		m.CycleFinished(false, time.Second, time.Now())
	})
	assert.Nil(t, m.Registry())
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}
