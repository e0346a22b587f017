// Package metrics provides Prometheus instrumentation for consignguard.
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

const namespace = "consignguard"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LimitDecisionsTotal counts limit checks by action and resulting status.
	LimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limit_decisions_total",
			Help:      "Rate limit decisions by action and status (allowed, window_blocked, banned).",
		},
		[]string{"action", "status"},
	)

	// LimitCheckDuration observes the latency of a full limit check.
	LimitCheckDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "limit_check_duration_seconds",
		Help:      "Latency of a limit check including ban lookups.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
	})

	// GuardedOperationsTotal counts guarded executions by action and outcome.
	GuardedOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guarded_operations_total",
			Help:      "Guarded operations by action and outcome (ok, error, denied, panic).",
		},
		[]string{"action", "outcome"},
	)

	// ViolationsTotal counts violations handed to the recorder.
	ViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Rate limit violations by action.",
		},
		[]string{"action"},
	)

	// ViolationsDroppedTotal counts audit entries that never reached the sink.
	ViolationsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_dropped_total",
			Help:      "Violation log entries dropped by reason (queue_full, sink_error, closed).",
		},
		[]string{"reason"},
	)

	// BansCreatedTotal counts bans written by scope and origin (auto or manual).
	BansCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bans_created_total",
			Help:      "Bans created or extended by scope and source.",
		},
		[]string{"scope", "source"},
	)

	// BanLookupFailuresTotal counts ban lookups that failed open.
	BanLookupFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ban_lookup_failures_total",
			Help:      "Ban lookups resolved fail-open by scope and reason.",
		},
		[]string{"scope", "reason"},
	)

	// BansExpiredTotal counts bans deactivated by the expiry timer.
	BansExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bans_expired_total",
		Help:      "Bans deactivated after their expiry.",
	})

	// LedgerActiveKeys tracks buckets held by the in-process ledger.
	LedgerActiveKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ledger_active_keys",
		Help:      "Attempt ledger buckets currently held in memory.",
	})

	// LedgerSweptTotal counts idle buckets evicted by the sweeper.
	LedgerSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_swept_total",
		Help:      "Idle attempt ledger buckets evicted.",
	})

	// LedgerFallbackTotal counts ledger operations served by the local fallback.
	LedgerFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_fallback_total",
		Help:      "Ledger operations served locally while the shared ledger was unavailable.",
	})

	// EdgeThrottledTotal counts requests rejected by the per-IP edge throttle.
	EdgeThrottledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "edge_throttled_total",
		Help:      "Requests rejected by the per-IP edge throttle.",
	})

	// ActiveStreamClients tracks connected live feed clients.
	ActiveStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_stream_clients",
		Help:      "Number of connected admin live feed clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LimitDecisionsTotal,
		LimitCheckDuration,
		GuardedOperationsTotal,
		ViolationsTotal,
		ViolationsDroppedTotal,
		BansCreatedTotal,
		BanLookupFailuresTotal,
		BansExpiredTotal,
		LedgerActiveKeys,
		LedgerSweptTotal,
		LedgerFallbackTotal,
		EdgeThrottledTotal,
		ActiveStreamClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
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
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
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
