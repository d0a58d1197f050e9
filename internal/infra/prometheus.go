package infra

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trust_bazaar/internal/domain"
)

// PromExporter publishes Metrics and HTTP request stats in Prometheus format.
type PromExporter struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewPromExporter registers collectors reading from m under namespace.
func NewPromExporter(m *Metrics, namespace string) *PromExporter {
	if namespace == "" {
		namespace = "bazaar"
	}
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	registry.MustRegister(requests, durations)

	counter := func(name, help string, read func(MetricsSnapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		}, func() float64 { return read(m.Snapshot()) })
	}
	gauge := func(name, help string, read func(MetricsSnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help,
		}, func() float64 { return read(m.Snapshot()) })
	}

	registry.MustRegister(
		counter("operations_total", "Settlement operations processed.",
			func(s MetricsSnapshot) float64 { return float64(s.OperationsTotal) }),
		counter("escrows_locked_total", "Escrows locked.",
			func(s MetricsSnapshot) float64 { return float64(s.EscrowsLocked) }),
		counter("escrows_released_total", "Escrows released to sellers.",
			func(s MetricsSnapshot) float64 { return float64(s.EscrowsReleased) }),
		counter("escrows_refunded_total", "Escrows refunded to buyers.",
			func(s MetricsSnapshot) float64 { return float64(s.EscrowsRefunded) }),
		counter("custody_violations_total", "Listings halted by custody violations.",
			func(s MetricsSnapshot) float64 { return float64(s.CustodyViolations) }),
		counter("persist_failures_total", "Failed write-through persists.",
			func(s MetricsSnapshot) float64 { return float64(s.PersistFailures) }),
		gauge("custodied_micros", "Amount currently held in escrow, in micro units.",
			func(s MetricsSnapshot) float64 { return float64(s.Custodied) }),
		gauge("operation_latency_avg_seconds", "Average engine operation latency.",
			func(s MetricsSnapshot) float64 { return time.Duration(s.AvgLatencyNs).Seconds() }),
		gauge("event_subscribers", "Connected event feed subscribers.",
			func(s MetricsSnapshot) float64 { return float64(s.ActiveConnections) }),
	)

	for _, kind := range []domain.Kind{
		domain.KindValidation, domain.KindNotFound, domain.KindAuthorization,
		domain.KindState, domain.KindInsufficientFunds, domain.KindCustody,
	} {
		kind := kind
		registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "operation_errors_total",
			Help:        "Failed settlement operations by error kind.",
			ConstLabels: prometheus.Labels{"kind": string(kind)},
		}, func() float64 { return float64(m.Snapshot().ErrorsByKind[kind]) }))
	}

	return &PromExporter{registry: registry, requests: requests, durations: durations}
}

// Middleware counts requests and observes their duration for route.
func (p *PromExporter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			p.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
			p.durations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler serves the registry.
func (p *PromExporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("infra: response writer does not support hijacking")
	}
	return h.Hijack()
}
