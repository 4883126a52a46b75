// Package metrics provides Prometheus instrumentation for dropmint.
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
			Namespace: "dropmint",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dropmint",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ReservationsTotal counts create_intent outcomes by result.
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dropmint",
			Name:      "reservations_total",
			Help:      "Total create_intent attempts by outcome (success, insufficient_inventory, reservation_race, amount_collision, error).",
		},
		[]string{"outcome"},
	)

	// SessionTransitionsTotal counts session state transitions by target status.
	SessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dropmint",
			Name:      "session_transitions_total",
			Help:      "Total session state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// ItemsAvailable tracks unclaimed, unreserved inventory.
	ItemsAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dropmint", Name: "items_available",
		Help: "Current count of unclaimed, unreserved inventory items.",
	})
	// ItemsClaimed tracks claimed inventory.
	ItemsClaimed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dropmint", Name: "items_claimed",
		Help: "Current count of claimed inventory items.",
	})
	// ItemsReserved tracks reserved-but-unclaimed inventory.
	ItemsReserved = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dropmint", Name: "items_reserved",
		Help: "Current count of reserved, unclaimed inventory items.",
	})

	// RPCCallsTotal counts RPC pool calls by endpoint and result.
	RPCCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dropmint",
			Name:      "rpc_calls_total",
			Help:      "Total RPC pool calls by endpoint name and result (success, failure).",
		},
		[]string{"endpoint", "result"},
	)

	// RPCCapacityRemaining tracks total remaining daily capacity across enabled endpoints.
	RPCCapacityRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dropmint", Name: "rpc_capacity_remaining",
		Help: "Total remaining daily RPC capacity across enabled endpoints.",
	})
	// RPCEndpointsEnabled tracks the number of currently enabled endpoints.
	RPCEndpointsEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dropmint", Name: "rpc_endpoints_enabled",
		Help: "Number of currently enabled RPC endpoints.",
	})

	// ObserverCycleDuration observes each observer loop cycle's wall time.
	ObserverCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dropmint",
			Name:      "observer_cycle_duration_seconds",
			Help:      "Observer loop cycle duration in seconds, by loop name.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"loop"},
	)

	// MempoolCadenceSeconds tracks the current adaptive mempool scan period.
	MempoolCadenceSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dropmint", Name: "mempool_cadence_seconds",
		Help: "Current adaptive mempool scanner cadence in seconds.",
	})

	// SweeperExpiredTotal counts sessions expired by the sweeper. Every
	// expiry is recorded under prior_status "stale": the store returns one
	// combined count for pending and payment_pending sessions.
	SweeperExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dropmint",
			Name:      "sweeper_expired_total",
			Help:      "Total sessions expired by the sweeper (prior_status is always \"stale\"; pending and payment_pending expiries are counted together).",
		},
		[]string{"prior_status"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dropmint", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dropmint", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dropmint", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dropmint", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ReservationsTotal,
		SessionTransitionsTotal,
		ItemsAvailable,
		ItemsClaimed,
		ItemsReserved,
		RPCCallsTotal,
		RPCCapacityRemaining,
		RPCEndpointsEnabled,
		ObserverCycleDuration,
		MempoolCadenceSeconds,
		SweeperExpiredTotal,
		DBOpenConnections,
		DBIdleConnections,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// capacityReporter is satisfied by *rpcpool.Pool; declared locally to avoid
// metrics importing rpcpool, which already imports metrics.
type capacityReporter interface {
	Capacity() (totalRemaining int64, enabledCount int)
}

// StartRPCPoolCollector periodically samples the RPC pool's remaining
// capacity and enabled-endpoint count into Prometheus gauges. Call in a
// goroutine; exits when ctx is done.
func StartRPCPoolCollector(ctx context.Context, pool capacityReporter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			remaining, enabled := pool.Capacity()
			RPCCapacityRemaining.Set(float64(remaining))
			RPCEndpointsEnabled.Set(float64(enabled))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (1xx-5xx).
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
