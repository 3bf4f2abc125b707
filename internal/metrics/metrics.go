// Package metrics provides Prometheus instrumentation for the trust engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustengine",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status bucket.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustengine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Risk scoring ---

	// RiskScores observes computed fraud scores.
	RiskScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trustengine",
		Name:      "risk_scores",
		Help:      "Distribution of computed fraud scores (0-100).",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// RiskAssessmentsTotal counts assessments by resulting level.
	RiskAssessmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustengine",
		Name:      "risk_assessments_total",
		Help:      "Total risk assessments by level.",
	}, []string{"level"})

	// DegradedSignalsTotal counts fail-open signal evaluations.
	DegradedSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustengine",
		Name:      "degraded_signals_total",
		Help:      "Risk signals that contributed zero because their data source was unavailable.",
	}, []string{"signal"})

	// ReceiptReplaysTotal counts duplicate receipt redemption attempts.
	ReceiptReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustengine",
		Name:      "receipt_replays_total",
		Help:      "Receipt redemptions denied because the transaction id was already used.",
	})

	// --- Rate limiting ---

	// RateLimitDecisionsTotal counts consume decisions by action and outcome.
	RateLimitDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustengine",
		Name:      "ratelimit_decisions_total",
		Help:      "Rate limit consume decisions by action and outcome (allowed, denied, blocked).",
	}, []string{"action", "outcome"})

	// RateLimitFailOpenTotal counts consumes allowed because the store was down.
	RateLimitFailOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustengine",
		Name:      "ratelimit_fail_open_total",
		Help:      "Rate limit checks allowed fail-open due to counter store unavailability.",
	})

	// --- Moderation queue ---

	// QueueDepth tracks pending moderation items.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustengine",
		Name:      "queue_depth",
		Help:      "Number of moderation items currently pending.",
	})

	// QueueEnqueuedTotal counts enqueued items by severity.
	QueueEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustengine",
		Name:      "queue_enqueued_total",
		Help:      "Total moderation items enqueued by severity.",
	}, []string{"severity"})

	// QueueAssignmentsTotal counts reviewer assignments.
	QueueAssignmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustengine",
		Name:      "queue_assignments_total",
		Help:      "Total moderation items assigned to reviewers.",
	})

	// QueueEscalationsTotal counts stale-item severity escalations.
	QueueEscalationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustengine",
		Name:      "queue_escalations_total",
		Help:      "Total stale moderation items escalated one severity level.",
	})

	// QueueCompletedTotal counts completed reviews by decision.
	QueueCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustengine",
		Name:      "queue_completed_total",
		Help:      "Total completed reviews by decision.",
	}, []string{"decision"})

	// SuspensionsTotal counts accounts suspended by the warning feedback loop.
	SuspensionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustengine",
		Name:      "suspensions_total",
		Help:      "Total account suspensions triggered by the warning threshold.",
	})

	// --- Runtime / DB ---

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustengine",
		Name:      "db_open_connections",
		Help:      "Open database connections.",
	})

	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustengine",
		Name:      "db_in_use_connections",
		Help:      "Database connections currently in use.",
	})

	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustengine",
		Name:      "db_wait_count",
		Help:      "Cumulative connections waited for.",
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustengine",
		Name:      "goroutines",
		Help:      "Current goroutine count.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RiskScores,
		RiskAssessmentsTotal,
		DegradedSignalsTotal,
		ReceiptReplaysTotal,
		RateLimitDecisionsTotal,
		RateLimitFailOpenTotal,
		QueueDepth,
		QueueEnqueuedTotal,
		QueueAssignmentsTotal,
		QueueEscalationsTotal,
		QueueCompletedTotal,
		SuspensionsTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the runtime
// goroutine count into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
