package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCaptured()
	m.RecordCaptured()
	m.RecordDropped()
	m.OperationDropped()
	m.RecordsFlushed(5)
	m.ObserveAPIRequest("GET", "/api/stats", 200, 3*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.recordsCaptured))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opsDropped))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.recordsFlushed))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetricsReuseRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	second := New(reg)

	second.RecordCaptured()

	assert.Equal(t, 1.0, testutil.ToFloat64(first.recordsCaptured))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCaptured()
		m.SampleDegraded()
		m.ClockAnomaly()
		m.RecordDropped()
		m.OperationDropped()
		m.RecordsFlushed(3)
		m.FlushFailed()
		m.SetQueueDepth(1)
		m.ObserveAPIRequest("GET", "/", 200, time.Millisecond)
	})
}
