package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics using Prometheus on a private registry
type PrometheusMetrics struct {
	// Fast counters readable without scraping
	appended    atomic.Uint64
	brokenLinks atomic.Uint64

	appendsTotal       *prometheus.CounterVec
	appendDuration     prometheus.Histogram
	lockWait           prometheus.Histogram
	tailRepairs        prometheus.Counter
	chainsHalted       prometheus.Gauge
	verifyRuns         *prometheus.CounterVec
	verifyDuration     prometheus.Histogram
	brokenLinksTotal   *prometheus.CounterVec
	partitionsArchived prometheus.Counter
	activeRequests     prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	// Register standard Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	appendsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Total number of append requests by result",
		},
		[]string{"result"},
	)

	// Appends: 100µs to 5s (dominated by the store round trip)
	appendDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Append latency in seconds, including lock wait",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	lockWait := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the per-chain append section",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1, 5},
		},
	)

	tailRepairs := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tail_repairs_total",
			Help:      "Total number of cached tails repaired from the store",
		},
	)

	chainsHalted := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chains_halted",
			Help:      "Number of chains with appends suspended",
		},
	)

	verifyRuns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "runs_total",
			Help:      "Total number of verification runs by result",
		},
		[]string{"result"},
	)

	verifyDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "duration_seconds",
			Help:      "Verification run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	brokenLinksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "broken_links_total",
			Help:      "Total number of broken links found by kind",
		},
		[]string{"kind"},
	)

	partitionsArchived := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "partitions_archived_total",
			Help:      "Total number of partitions copied to archive storage",
		},
	)

	activeRequests := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight API requests",
		},
	)

	registry.MustRegister(
		appendsTotal,
		appendDuration,
		lockWait,
		tailRepairs,
		chainsHalted,
		verifyRuns,
		verifyDuration,
		brokenLinksTotal,
		partitionsArchived,
		activeRequests,
	)

	return &PrometheusMetrics{
		appendsTotal:       appendsTotal,
		appendDuration:     appendDuration,
		lockWait:           lockWait,
		tailRepairs:        tailRepairs,
		chainsHalted:       chainsHalted,
		verifyRuns:         verifyRuns,
		verifyDuration:     verifyDuration,
		brokenLinksTotal:   brokenLinksTotal,
		partitionsArchived: partitionsArchived,
		activeRequests:     activeRequests,
		registry:           registry,
	}
}

// RecordAppend records the outcome of an append request
func (p *PrometheusMetrics) RecordAppend(result string, duration time.Duration) {
	if result == AppendResultAppended {
		p.appended.Add(1)
	}
	p.appendsTotal.WithLabelValues(result).Inc()
	p.appendDuration.Observe(duration.Seconds())
}

// RecordLockWait records time spent acquiring the chain section
func (p *PrometheusMetrics) RecordLockWait(duration time.Duration) {
	p.lockWait.Observe(duration.Seconds())
}

// RecordTailRepair records a cached tail repaired from the store
func (p *PrometheusMetrics) RecordTailRepair() {
	p.tailRepairs.Inc()
}

// SetChainsHalted sets the number of halted chains
func (p *PrometheusMetrics) SetChainsHalted(count int) {
	p.chainsHalted.Set(float64(count))
}

// RecordVerifyRun records a completed verification run
func (p *PrometheusMetrics) RecordVerifyRun(result string, duration time.Duration) {
	p.verifyRuns.WithLabelValues(result).Inc()
	p.verifyDuration.Observe(duration.Seconds())
}

// RecordBrokenLink records a single verification finding
func (p *PrometheusMetrics) RecordBrokenLink(kind string) {
	p.brokenLinks.Add(1)
	p.brokenLinksTotal.WithLabelValues(kind).Inc()
}

// RecordPartitionArchived records an archived partition
func (p *PrometheusMetrics) RecordPartitionArchived() {
	p.partitionsArchived.Inc()
}

// IncActiveRequests increments active requests
func (p *PrometheusMetrics) IncActiveRequests() {
	p.activeRequests.Inc()
}

// DecActiveRequests decrements active requests
func (p *PrometheusMetrics) DecActiveRequests() {
	p.activeRequests.Dec()
}

// AppendedCount returns the number of successful appends since start
func (p *PrometheusMetrics) AppendedCount() uint64 {
	return p.appended.Load()
}

// BrokenLinkCount returns the number of broken links reported since start
func (p *PrometheusMetrics) BrokenLinkCount() uint64 {
	return p.brokenLinks.Load()
}

// HTTPHandler returns the Prometheus HTTP handler for /metrics endpoint
func (p *PrometheusMetrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
