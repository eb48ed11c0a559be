// Package metrics holds the Prometheus collectors shared by the sync engine
// and the document server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paksync"

// Metrics owns a private registry so tests and embedded servers do not
// collide on the global one. All methods are safe on a nil receiver.
type Metrics struct {
	Registry *prometheus.Registry

	syncOutcomes *prometheus.CounterVec
	syncPasses   *prometheus.CounterVec
	syncDuration prometheus.Histogram
	requests     *prometheus.CounterVec
	documents    *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		syncOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "actions_total",
			Help:      "Applied sync actions. Broken down by action kind and outcome status.",
		}, []string{"kind", "status"}),
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Completed sync passes. Broken down by result.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of one sync pass.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "docserver",
			Name:      "requests_total",
			Help:      "Document server requests. Broken down by method and status code.",
		}, []string{"method", "code"}),
		documents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "docserver",
			Name:      "documents",
			Help:      "Documents stored per database.",
		}, []string{"db"}),
	}
	m.Registry.MustRegister(
		m.syncOutcomes,
		m.syncPasses,
		m.syncDuration,
		m.requests,
		m.documents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveOutcome(kind, status string) {
	if m == nil {
		return
	}
	m.syncOutcomes.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObservePass(start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.syncPasses.WithLabelValues(result).Inc()
	m.syncDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveRequest(method string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) SetDocuments(db string, n int) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(db).Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
