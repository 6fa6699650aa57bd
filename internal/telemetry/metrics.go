// Package telemetry exports the process's operational metrics in
// Prometheus exposition format. One Metrics value is shared by the
// dispatcher, alert engine, notifier, scoring engine, and the upstream
// HTTP layer; the monitor server mounts Handler under /metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_model/go"
)

// Metrics holds every collector the process registers. All record
// methods are safe on a nil receiver so wiring stays optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	UnitDuration  *prometheus.HistogramVec
	TickDuration  *prometheus.HistogramVec
	UnitRetries   *prometheus.CounterVec
	SamplesStored *prometheus.CounterVec

	AlertsFired      *prometheus.CounterVec
	AlertsSuppressed prometheus.Counter
	NotifyOutcomes   *prometheus.CounterVec

	ScoresComputed *prometheus.CounterVec

	SourceRequests    *prometheus.CounterVec
	SourceCacheHits   *prometheus.CounterVec
	SourceCacheMisses *prometheus.CounterVec
	SourceCacheRatio  prometheus.Gauge
	BreakerOpen       *prometheus.GaugeVec

	StreamClients prometheus.Gauge
}

// New builds a registry with every process metric registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		UnitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskwatch_unit_duration_seconds",
				Help:    "Duration of one collection work unit",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"class", "kind", "result"},
		),

		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskwatch_tick_duration_seconds",
				Help:    "Duration of one dispatcher tick",
				Buckets: []float64{0.5, 1, 2.5, 5, 15, 30, 60, 120, 300},
			},
			[]string{"class", "result"},
		),

		UnitRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskwatch_unit_retries_total",
				Help: "Retry attempts on retriable work unit failures",
			},
			[]string{"class", "kind"},
		),

		SamplesStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskwatch_samples_stored_total",
				Help: "Metric samples appended to the store",
			},
			[]string{"kind"},
		),

		AlertsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskwatch_alerts_fired_total",
				Help: "Alert rows written by severity",
			},
			[]string{"severity"},
		),

		AlertsSuppressed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "riskwatch_alerts_suppressed_total",
				Help: "Alert firings absorbed by the suppression window",
			},
		),

		NotifyOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskwatch_notify_outcomes_total",
				Help: "Notification delivery attempts by channel and result",
			},
			[]string{"channel", "result"},
		),

		ScoresComputed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskwatch_scores_computed_total",
				Help: "Risk score computations by resulting grade",
			},
			[]string{"grade"},
		),

		SourceRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskwatch_source_requests_total",
				Help: "Upstream data source calls by host and result",
			},
			[]string{"host", "result"},
		),

		SourceCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskwatch_source_cache_hits_total",
				Help: "Upstream response cache hits by host",
			},
			[]string{"host"},
		),

		SourceCacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskwatch_source_cache_misses_total",
				Help: "Upstream response cache misses by host",
			},
			[]string{"host"},
		),

		SourceCacheRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskwatch_source_cache_hit_ratio",
				Help: "Upstream response cache hit ratio across hosts",
			},
		),

		BreakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskwatch_breaker_open",
				Help: "Upstream circuit state per host, 1 while open",
			},
			[]string{"host"},
		),

		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskwatch_stream_clients",
				Help: "Connected alert stream clients",
			},
		),
	}

	m.registry.MustRegister(
		m.UnitDuration,
		m.TickDuration,
		m.UnitRetries,
		m.SamplesStored,
		m.AlertsFired,
		m.AlertsSuppressed,
		m.NotifyOutcomes,
		m.ScoresComputed,
		m.SourceRequests,
		m.SourceCacheHits,
		m.SourceCacheMisses,
		m.SourceCacheRatio,
		m.BreakerOpen,
		m.StreamClients,
	)
	return m
}

// Handler serves the exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUnit records one work unit outcome.
func (m *Metrics) ObserveUnit(class, kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.UnitDuration.WithLabelValues(class, kind, result).Observe(elapsed.Seconds())
}

// ObserveTick records one dispatcher tick.
func (m *Metrics) ObserveTick(class string, incomplete bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "complete"
	if incomplete {
		result = "incomplete"
	}
	m.TickDuration.WithLabelValues(class, result).Observe(elapsed.Seconds())
}

// AddRetry counts one retry of a retriable unit failure.
func (m *Metrics) AddRetry(class, kind string) {
	if m == nil {
		return
	}
	m.UnitRetries.WithLabelValues(class, kind).Inc()
}

// AddSamples counts samples persisted by one unit.
func (m *Metrics) AddSamples(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.SamplesStored.WithLabelValues(kind).Add(float64(count))
}

// AlertFired counts one written alert row.
func (m *Metrics) AlertFired(severity string) {
	if m == nil {
		return
	}
	m.AlertsFired.WithLabelValues(severity).Inc()
}

// AlertSuppressed counts one firing absorbed by the suppression window.
func (m *Metrics) AlertSuppressed() {
	if m == nil {
		return
	}
	m.AlertsSuppressed.Inc()
}

// NotifyOutcome counts one delivery attempt result.
func (m *Metrics) NotifyOutcome(channel, result string) {
	if m == nil {
		return
	}
	m.NotifyOutcomes.WithLabelValues(channel, result).Inc()
}

// ScoreComputed counts one scoring run by its resulting grade. A
// disqualified asset is counted under grade "disqualified".
func (m *Metrics) ScoreComputed(grade string) {
	if m == nil {
		return
	}
	m.ScoresComputed.WithLabelValues(grade).Inc()
}

// StreamClientChange adjusts the connected stream client gauge.
func (m *Metrics) StreamClientChange(delta int) {
	if m == nil {
		return
	}
	m.StreamClients.Add(float64(delta))
}

// SourceRequest counts one upstream call outcome.
func (m *Metrics) SourceRequest(host string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.SourceRequests.WithLabelValues(host, result).Inc()
}

// SourceCacheHit counts a served-from-cache response.
func (m *Metrics) SourceCacheHit(host string) {
	if m == nil {
		return
	}
	m.SourceCacheHits.WithLabelValues(host).Inc()
	m.updateCacheRatio()
}

// SourceCacheMiss counts a cache miss that went upstream.
func (m *Metrics) SourceCacheMiss(host string) {
	if m == nil {
		return
	}
	m.SourceCacheMisses.WithLabelValues(host).Inc()
	m.updateCacheRatio()
}

// BreakerStateChange tracks per-host circuit state.
func (m *Metrics) BreakerStateChange(host string, open bool) {
	if m == nil {
		return
	}
	value := 0.0
	if open {
		value = 1.0
	}
	m.BreakerOpen.WithLabelValues(host).Set(value)
}

// updateCacheRatio recomputes the hit-ratio gauge by reading the hit and
// miss counters back out of the registry.
func (m *Metrics) updateCacheRatio() {
	families, err := m.registry.Gather()
	if err != nil {
		return
	}
	var hits, misses float64
	for _, family := range families {
		switch family.GetName() {
		case "riskwatch_source_cache_hits_total":
			hits += sumCounters(family)
		case "riskwatch_source_cache_misses_total":
			misses += sumCounters(family)
		}
	}
	if total := hits + misses; total > 0 {
		m.SourceCacheRatio.Set(hits / total)
	}
}

func sumCounters(family *io_prometheus_client.MetricFamily) float64 {
	var total float64
	for _, metric := range family.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	return total
}
