// Package metrics exposes Prometheus instrumentation for the gateway.
// All record methods are nil-safe so components can run uninstrumented.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	generateAccepted prometheus.Counter
	tasksFinished    *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	quotaDenied      prometheus.Counter
	proxyCacheHits   prometheus.Counter
	proxyCacheMisses prometheus.Counter
	uploadBytes      prometheus.Counter
}

// New registers the gateway collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		generateAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "imagegate",
			Name:      "generate_accepted_total",
			Help:      "Generation requests accepted into the task queue.",
		}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagegate",
			Name:      "tasks_finished_total",
			Help:      "Executor jobs by terminal status.",
		}, []string{"status"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "imagegate",
			Name:      "stage_duration_seconds",
			Help:      "Latency of executor stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		quotaDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "imagegate",
			Name:      "quota_denied_total",
			Help:      "Consume attempts rejected for insufficient quota.",
		}),
		proxyCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "imagegate",
			Name:      "proxy_cache_hits_total",
			Help:      "Download proxy edge-cache hits.",
		}),
		proxyCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "imagegate",
			Name:      "proxy_cache_misses_total",
			Help:      "Download proxy edge-cache misses.",
		}),
		uploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "imagegate",
			Name:      "upload_bytes_total",
			Help:      "Bytes uploaded to the object store.",
		}),
	}
}

func (m *Metrics) GenerateAccepted() {
	if m != nil {
		m.generateAccepted.Inc()
	}
}

func (m *Metrics) TaskFinished(status string) {
	if m != nil {
		m.tasksFinished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m != nil {
		m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

func (m *Metrics) QuotaDenied() {
	if m != nil {
		m.quotaDenied.Inc()
	}
}

func (m *Metrics) ProxyCacheHit() {
	if m != nil {
		m.proxyCacheHits.Inc()
	}
}

func (m *Metrics) ProxyCacheMiss() {
	if m != nil {
		m.proxyCacheMisses.Inc()
	}
}

func (m *Metrics) UploadedBytes(n int) {
	if m != nil {
		m.uploadBytes.Add(float64(n))
	}
}
