package registry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricNamespace = "deployx"

	metricLabelMethod    = "method"
	metricLabelRoute     = "route"
	metricLabelCode      = "code"
	metricLabelDirection = "direction"
	metricLabelAction    = "action"
)

// latencyBuckets go from 5ms to 5 minutes, blob transfers are slow.
var latencyBuckets = []float64{
	.005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 120, 300,
}

// Metrics holds the registry server prometheus collectors.
// A nil *Metrics records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	blobBytesTotal   *prometheus.CounterVec
	releasesTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "registry_requests_total",
				Help:      "Registry http requests by route and status code.",
			},
			[]string{metricLabelMethod, metricLabelRoute, metricLabelCode},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      "registry_request_duration_seconds",
				Help:      "Registry http request latency.",
				Buckets:   latencyBuckets,
			},
			[]string{metricLabelMethod, metricLabelRoute},
		),
		blobBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "registry_blob_bytes_total",
				Help:      "Blob bytes transferred through the registry.",
			},
			[]string{metricLabelDirection},
		),
		releasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "registry_releases_total",
				Help:      "Releases recorded by action.",
			},
			[]string{metricLabelAction},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestLatency,
		m.blobBytesTotal,
		m.releasesTotal,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency labelled by the matched route template.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.requestLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) ObserveBlobBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.blobBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) ObserveRelease(action string) {
	if m == nil {
		return
	}
	m.releasesTotal.WithLabelValues(action).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
