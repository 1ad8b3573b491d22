package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestQueueCounters(t *testing.T) {
	pm := GetPrometheusMetrics()
	assert.Same(t, pm, GetPrometheusMetrics())

	before := testutil.ToFloat64(jobsEnqueuedTotal.WithLabelValues("validation"))
	pm.RecordJobEnqueued("validation")
	pm.RecordJobEnqueued("validation")
	assert.Equal(t, before+2, testutil.ToFloat64(jobsEnqueuedTotal.WithLabelValues("validation")))

	pm.RecordJobCompleted("validation", 150*time.Millisecond)
	pm.RecordJobFailed("validation", "exhausted")
	assert.GreaterOrEqual(t, testutil.ToFloat64(jobsFailedTotal.WithLabelValues("validation", "exhausted")), 1.0)
}

func TestGauges(t *testing.T) {
	pm := GetPrometheusMetrics()

	pm.SetBotRunning(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(botRunning))
	pm.SetBotRunning(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(botRunning))

	pm.SetQueueDepth(3, 1, 10, 2, 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(queueDepth.WithLabelValues("delayed")))

	pm.SetPosition("AAPL", 15000, -120.5, 0)
	assert.Equal(t, -120.5, testutil.ToFloat64(positionUnrealizedPnL.WithLabelValues("AAPL")))
	pm.ClearPosition("AAPL")

	pm.SetTradingHalted(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(tradingHalted))
	pm.SetTradingHalted(false)
}

func TestSystemCollectorCollect(t *testing.T) {
	smc := NewSystemMetricsCollector(time.Hour)
	defer smc.Stop()
	smc.collect()
	assert.Greater(t, testutil.ToFloat64(goroutineCount), 0.0)
}
