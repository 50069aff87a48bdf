package telemetry_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/edgetel/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := telemetry.New(reg)
	require.NoError(t, err)

	var rec telemetry.Recorder = m
	rec.PollCycle("lab", "gpu", telemetry.ResultSuccess, 20*time.Millisecond)
	rec.PollCycle("lab", "gpu", telemetry.ResultFailure, time.Second)
	rec.PollSkipped("lab", "gpu")
	rec.Delivery("lab", "logs", telemetry.ResultFailure)
	rec.Dropped("lab", telemetry.StageDispatch, "logs")
	rec.ListenerMessage("tcp", 5140)
	rec.ListenerMessage("tcp", 5140)
	rec.ConnectionError("udp", 5141)
	rec.NamespacesActive(3)

	assert.InDelta(t, 1, testutil.ToFloat64(m.PollCycles.WithLabelValues("lab", "gpu", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SkippedCycles.WithLabelValues("lab", "gpu")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Deliveries.WithLabelValues("lab", "logs", "failure")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ListenerMessages.WithLabelValues("tcp", "5140")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.Namespaces), 0)

	count, err := testutil.GatherAndCount(reg, "edgetel_poller_cycles_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := telemetry.New(reg)
	require.NoError(t, err)

	_, err = telemetry.New(reg)
	require.Error(t, err)
}

func TestNop(t *testing.T) {
	rec := telemetry.OrNop(nil)
	assert.NotPanics(t, func() {
		rec.PollCycle("ns", "p", telemetry.ResultSuccess, time.Millisecond)
		rec.NamespacesActive(1)
	})

	m, err := telemetry.New(nil)
	require.NoError(t, err)
	assert.Equal(t, telemetry.Recorder(m), telemetry.OrNop(m))
}
