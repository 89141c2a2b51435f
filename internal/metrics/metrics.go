// Package metrics holds the Prometheus collectors for the retrieval pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "policyqa"

// Query outcomes.
const (
	OutcomeAnswered = "answered"
	OutcomeNoAnswer = "no_answer"
	OutcomeError    = "error"
)

// Build results.
const (
	BuildOK        = "ok"
	BuildFailed    = "failed"
	BuildCancelled = "cancelled"
)

type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	ModelCalls     *prometheus.CounterVec
	ModelRetries   prometheus.Counter
	Queries        *prometheus.CounterVec
	QueryDuration  prometheus.Histogram
	IndexedClauses prometheus.Gauge
	Builds         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "embed", Name: "cache_hits_total",
			Help: "Texts served from the embedding cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "embed", Name: "cache_misses_total",
			Help: "Texts sent to the embedding model.",
		}),
		ModelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "embed", Name: "model_calls_total",
			Help: "Batch calls to the embedding model by result.",
		}, []string{"result"}),
		ModelRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "embed", Name: "model_retries_total",
			Help: "Retries of transient embedding failures.",
		}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "queries_total",
			Help: "Questions handled by outcome.",
		}, []string{"outcome"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "query_duration_seconds",
			Help:    "End-to-end retrieval latency.",
			Buckets: prometheus.DefBuckets,
		}),
		IndexedClauses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "index", Name: "clauses",
			Help: "Clauses in the published index.",
		}),
		Builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "index", Name: "builds_total",
			Help: "Index builds by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses, m.ModelCalls, m.ModelRetries,
			m.Queries, m.QueryDuration, m.IndexedClauses, m.Builds)
	}
	return m
}

// Handler exposes the gathered metrics in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCache(hits, misses int) {
	if m == nil {
		return
	}
	m.CacheHits.Add(float64(hits))
	m.CacheMisses.Add(float64(misses))
}

func (m *Metrics) ObserveModelCall(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ModelCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.ModelRetries.Inc()
}

func (m *Metrics) ObserveQuery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Queries.WithLabelValues(outcome).Inc()
	m.QueryDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveBuild(result string, clauses int) {
	if m == nil {
		return
	}
	m.Builds.WithLabelValues(result).Inc()
	if result == BuildOK {
		m.IndexedClauses.Set(float64(clauses))
	}
}
