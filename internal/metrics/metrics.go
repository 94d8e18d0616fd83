// Package metrics exposes Prometheus instrumentation for scrape runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rvacal/internal/scraper"
)

const namespace = "rvacal"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sourceRuns    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	feedEvents    prometheus.Gauge
	cacheEntries  prometheus.Gauge
	lastSuccessTS prometheus.Gauge
	runFailures   prometheus.Counter
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.sourceRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_runs_total",
		Help:      "Per-source runs by terminal state",
	}, []string{"source", "state"})
	m.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Time spent in a source fetcher",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
	}, []string{"source"})
	m.feedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_events",
		Help:      "Events in the most recently published feed",
	})
	m.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Sources currently held in the scrape cache",
	})
	m.lastSuccessTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last completed run",
	})
	m.runFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "run_failures_total",
		Help:      "Runs aborted by a cache write or output failure",
	})

	m.registry.MustRegister(
		m.sourceRuns, m.fetchDuration, m.feedEvents,
		m.cacheEntries, m.lastSuccessTS, m.runFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRun implements scraper.Observer.
func (m *Metrics) ObserveRun(o scraper.Outcome) {
	m.sourceRuns.WithLabelValues(o.Source, o.State.String()).Inc()
	if o.FetchDuration > 0 {
		m.fetchDuration.WithLabelValues(o.Source).Observe(o.FetchDuration.Seconds())
	}
}

// ObserveFeed records a completed run.
func (m *Metrics) ObserveFeed(events, cacheEntries int, at time.Time) {
	m.feedEvents.Set(float64(events))
	m.cacheEntries.Set(float64(cacheEntries))
	m.lastSuccessTS.Set(float64(at.Unix()))
}

// ObserveFailure counts an aborted run.
func (m *Metrics) ObserveFailure() {
	m.runFailures.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
