// Package metrics exposes Prometheus collectors for logins, sessions and
// extractions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collector holds every metric the service reports.
type Collector struct {
	registry *prometheus.Registry

	loginAttemptsTotal *prometheus.CounterVec
	loginWaitDuration  *prometheus.HistogramVec

	sessionsActive  prometheus.Gauge
	sessionsReaped  prometheus.Counter
	extractionTotal *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *logrus.Entry
}

// NewCollector registers the collectors on a private registry under namespace.
func NewCollector(namespace string, logger *logrus.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.WithField("component", "metrics"),
	}

	c.loginAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by challenge kind and outcome",
		},
		[]string{"challenge", "outcome"},
	)

	// Humans solving challenges take minutes, so the buckets reach half an hour.
	c.loginWaitDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "login_wait_duration_seconds",
			Help:      "Time spent waiting for a login outcome",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"challenge"},
	)

	c.sessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Browser sessions currently held by the server",
	})

	c.sessionsReaped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_reaped_total",
		Help:      "Browser sessions closed by age-based cleanup",
	})

	c.extractionTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_total",
			Help:      "Extraction steps by kind and status",
		},
		[]string{"kind", "status"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.logger.Debug("Metrics collector initialized")
	return c
}

// ObserveLoginAttempt records one pass through the login retry loop.
func (c *Collector) ObserveLoginAttempt(challenge, outcome string, duration time.Duration) {
	c.loginAttemptsTotal.WithLabelValues(challenge, outcome).Inc()
	c.loginWaitDuration.WithLabelValues(challenge).Observe(duration.Seconds())
}

func (c *Collector) SessionOpened() { c.sessionsActive.Inc() }

func (c *Collector) SessionClosed() { c.sessionsActive.Dec() }

// SessionReaped counts a session closed by the cleanup sweep.
func (c *Collector) SessionReaped() {
	c.sessionsReaped.Inc()
	c.sessionsActive.Dec()
}

// ObserveExtraction counts one extraction step.
func (c *Collector) ObserveExtraction(kind, status string) {
	c.extractionTotal.WithLabelValues(kind, status).Inc()
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the registry the collectors live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
