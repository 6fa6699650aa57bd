package telemetry

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_UnitAndTickObservations(t *testing.T) {
	m := New()

	m.ObserveUnit("critical", "oracle", "ok", 2*time.Second)
	m.ObserveUnit("critical", "oracle", "error", 30*time.Second)
	m.ObserveTick("critical", false, time.Minute)
	m.AddRetry("critical", "oracle")
	m.AddSamples("oracle", 3)
	m.AddSamples("oracle", 0)

	assert.Equal(t, 2, testutil.CollectAndCount(m.UnitDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TickDuration))
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.UnitRetries.WithLabelValues("critical", "oracle")), 1e-9)
	assert.InDelta(t, 3.0, testutil.ToFloat64(m.SamplesStored.WithLabelValues("oracle")), 1e-9)
}

func TestMetrics_IncompleteTickLabel(t *testing.T) {
	m := New()

	m.ObserveTick("high", true, 5*time.Minute)

	count, err := testutil.GatherAndCount(m.registry, "riskwatch_tick_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_CacheHitRatio(t *testing.T) {
	m := New()

	m.SourceCacheHit("api.example.com")
	m.SourceCacheHit("api.example.com")
	m.SourceCacheHit("quotes.example.com")
	m.SourceCacheMiss("api.example.com")

	assert.InDelta(t, 0.75, testutil.ToFloat64(m.SourceCacheRatio), 1e-9)
}

func TestMetrics_BreakerGauge(t *testing.T) {
	m := New()

	m.BreakerStateChange("rpc.example.com", true)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.BreakerOpen.WithLabelValues("rpc.example.com")), 1e-9)

	m.BreakerStateChange("rpc.example.com", false)
	assert.InDelta(t, 0.0, testutil.ToFloat64(m.BreakerOpen.WithLabelValues("rpc.example.com")), 1e-9)
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics

	m.ObserveUnit("critical", "oracle", "ok", time.Second)
	m.ObserveTick("critical", false, time.Second)
	m.AddRetry("critical", "oracle")
	m.AddSamples("oracle", 1)
	m.AlertFired("critical")
	m.AlertSuppressed()
	m.NotifyOutcome("slack", "ok")
	m.ScoreComputed("A")
	m.StreamClientChange(1)
	m.SourceRequest("api.example.com", true)
	m.SourceCacheHit("api.example.com")
	m.SourceCacheMiss("api.example.com")
	m.BreakerStateChange("api.example.com", true)

	require.NotNil(t, m.Handler())
}

func TestMetrics_HandlerExposition(t *testing.T) {
	m := New()
	m.AlertFired("warning")
	m.SourceRequest("api.example.com", false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "riskwatch_alerts_fired_total")
	assert.Contains(t, body, `riskwatch_source_requests_total{host="api.example.com",result="error"}`)
}
