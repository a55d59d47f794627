package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())

	m.IncSubmitted("high")
	m.IncSubmitted("high")
	m.IncSubmitted("low")
	m.IncDispatched()
	m.SetQueueDepth("high", 3)
	m.IncSettled("completed")
	m.ObserveTaskDuration("completed", 2*time.Second)
	m.AddTokens(150)
	m.IncActive()
	m.IncActive()
	m.DecActive()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksSubmitted.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksSubmitted.WithLabelValues("low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksDispatched))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksSettled.WithLabelValues("completed")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.llmTokens))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeExecutions))
}

func TestMustNewReusesExistingCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNew(reg)
	second := MustNew(reg)

	first.IncDispatched()
	second.IncDispatched()
	assert.Equal(t, 2.0, testutil.ToFloat64(second.tasksDispatched))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.IncSubmitted("high")
		m.IncDispatched()
		m.SetQueueDepth("low", 1)
		m.IncSettled("failed")
		m.ObserveTaskDuration("failed", time.Second)
		m.AddTokens(10)
		m.IncActive()
		m.DecActive()
	})
}

func TestAddTokensIgnoresNonPositive(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())
	m.AddTokens(0)
	m.AddTokens(-5)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.llmTokens))
}
