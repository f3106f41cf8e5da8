package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the pool
// controller.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	launchesTotal     *prometheus.CounterVec
	stagingFailsTotal *prometheus.CounterVec
	leaseLatencyMs    *prometheus.HistogramVec

	currentSize    *prometheus.GaugeVec
	availableGauge *prometheus.GaugeVec
	stagingGauge   *prometheus.GaugeVec
	lowWatermark   *prometheus.GaugeVec
	highWatermark  *prometheus.GaugeVec
}

// defaultLatencyBuckets are histogram buckets for lease latency, in
// milliseconds; pool boot times run from sub-second (warm lease) to
// several minutes (cold boot through staging).
var defaultLatencyBuckets = []float64{10, 50, 100, 500, 1000, 5000, 15000, 30000, 60000, 120000, 300000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem under
// namespace.
func InitPrometheus(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		launchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_launches_total",
				Help:      "Total VM launches issued by the grow loop and warm-on-demand path",
			},
			[]string{"pool"},
		),

		stagingFailsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_staging_fails_total",
				Help:      "Total staging VMs given up on at the retry ceiling or found gone at the provider",
			},
			[]string{"pool"},
		),

		leaseLatencyMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "assign_lease_latency_ms",
				Help:      "Latency of the assignment protocol's lease loop, in milliseconds",
				Buckets:   defaultLatencyBuckets,
			},
			[]string{"pool"},
		),

		currentSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_current_size",
				Help:      "Total VMs currently tracked for the pool",
			},
			[]string{"pool"},
		),

		availableGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_available",
				Help:      "VMs in the available state",
			},
			[]string{"pool"},
		),

		stagingGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_staging",
				Help:      "VMs in the staging state",
			},
			[]string{"pool"},
		),

		lowWatermark: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_low_watermark",
				Help:      "Current low watermark computed by the buffer calculator",
			},
			[]string{"pool"},
		),

		highWatermark: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_high_watermark",
				Help:      "Current high watermark computed by the buffer calculator",
			},
			[]string{"pool"},
		),
	}

	registry.MustRegister(
		pm.launchesTotal,
		pm.stagingFailsTotal,
		pm.leaseLatencyMs,
		pm.currentSize,
		pm.availableGauge,
		pm.stagingGauge,
		pm.lowWatermark,
		pm.highWatermark,
	)

	promMetrics = pm
}

// Handler returns the Prometheus scrape endpoint, or nil if
// InitPrometheus has not been called.
func Handler() http.Handler {
	if promMetrics == nil {
		return nil
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

func RecordPrometheusLaunch(pool string) {
	if promMetrics == nil {
		return
	}
	promMetrics.launchesTotal.WithLabelValues(pool).Inc()
}

func RecordPrometheusStagingFailure(pool string) {
	if promMetrics == nil {
		return
	}
	promMetrics.stagingFailsTotal.WithLabelValues(pool).Inc()
}

func RecordPrometheusLeaseLatency(pool string, ms int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.leaseLatencyMs.WithLabelValues(pool).Observe(float64(ms))
}

func RecordPrometheusPoolStats(pool string, currentSize, available, staging, low, high int) {
	if promMetrics == nil {
		return
	}
	promMetrics.currentSize.WithLabelValues(pool).Set(float64(currentSize))
	promMetrics.availableGauge.WithLabelValues(pool).Set(float64(available))
	promMetrics.stagingGauge.WithLabelValues(pool).Set(float64(staging))
	promMetrics.lowWatermark.WithLabelValues(pool).Set(float64(low))
	promMetrics.highWatermark.WithLabelValues(pool).Set(float64(high))
}
