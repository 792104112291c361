package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors. Each Metrics owns its
// registry so several servers can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	Predictions         *prometheus.CounterVec
	PredictionErrors    *prometheus.CounterVec
	AuditFailures       prometheus.Counter
	AuthAttempts        *prometheus.CounterVec
	ModelAvailable      *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors, plus the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "respirex_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "respirex_http_request_duration_seconds",
				Help:    "Latency of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		Predictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "respirex_predictions_total",
				Help: "Successful predictions by pipeline and predicted label.",
			},
			[]string{"pipeline", "label"},
		),
		PredictionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "respirex_prediction_errors_total",
				Help: "Rejected predictions by pipeline and error kind.",
			},
			[]string{"pipeline", "kind"},
		),
		AuditFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "respirex_audit_failures_total",
				Help: "Predictions whose audit record could not be written.",
			},
		),
		AuthAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "respirex_auth_attempts_total",
				Help: "Registration and login attempts by result.",
			},
			[]string{"action", "result"},
		),
		ModelAvailable: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "respirex_model_available",
				Help: "1 when the pipeline's model is loaded.",
			},
			[]string{"pipeline"},
		),
	}
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(method, path, status string, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) setAvailable(pipeline string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	m.ModelAvailable.WithLabelValues(pipeline).Set(v)
}
