package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoloc_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoloc_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "route"},
	)

	RentalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoloc_rental_transitions_total",
			Help: "Rental lifecycle actions by outcome",
		},
		[]string{"action", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autoloc_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoloc_retry_queue_depth",
			Help: "Requests waiting in the retry queue",
		},
	)

	CronJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoloc_cron_job_runs_total",
			Help: "Cron job executions by outcome",
		},
		[]string{"job", "outcome"},
	)
)

// Middleware records request count and latency per matched route.
func Middleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(service, c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(service, c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry in Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func ObserveTransition(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	RentalTransitions.WithLabelValues(action, outcome).Inc()
}
