// Package metrics exposes Prometheus instrumentation for the lab server.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// Result lifecycle metrics
	resultsEntered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_results_entered_total",
			Help: "Total number of results entered, by entry type and flag",
		},
		[]string{"entry_type", "flag"},
	)

	resultsVerified = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lab_results_verified_total",
			Help: "Total number of results verified",
		},
	)

	resultsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lab_results_rejected_total",
			Help: "Total number of results rejected",
		},
	)

	panelRecomputations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_panel_recomputations_total",
			Help: "Panel status recomputations by outcome",
		},
		[]string{"outcome"},
	)

	orderSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_order_syncs_total",
			Help: "Order status synchronizations by outcome",
		},
		[]string{"outcome"},
	)

	auditFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lab_audit_failures_total",
			Help: "Audit events that could not be written",
		},
	)
)

// Outcome labels for recomputation counters.
const (
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
)

// Middleware records request counts and latency per route.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the Prometheus exposition format.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

func ResultEntered(entryType, flag string) {
	if flag == "" {
		flag = "none"
	}
	resultsEntered.WithLabelValues(entryType, flag).Inc()
}

func ResultVerified(n int) { resultsVerified.Add(float64(n)) }

func ResultRejected() { resultsRejected.Inc() }

func PanelRecomputed(outcome string) { panelRecomputations.WithLabelValues(outcome).Inc() }

func OrderSynced(outcome string) { orderSyncs.WithLabelValues(outcome).Inc() }

func AuditFailed() { auditFailures.Inc() }
