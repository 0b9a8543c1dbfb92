// Package metrics provides Prometheus instrumentation for the storefront.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streetmarket",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "streetmarket",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ReservationsTotal counts reservation attempts by outcome.
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streetmarket",
			Name:      "reservations_total",
			Help:      "Total reservation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// PaymentsTotal counts payment callbacks by classified result.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streetmarket",
			Name:      "payments_total",
			Help:      "Total payment callbacks processed by result.",
		},
		[]string{"result"},
	)

	// InvoicesTotal counts invoice creation attempts by result.
	InvoicesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streetmarket",
			Name:      "invoices_total",
			Help:      "Total provider invoices requested by result.",
		},
		[]string{"result"},
	)

	// FinalisationsTotal counts purchase finalisations by result.
	FinalisationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streetmarket",
			Name:      "finalisations_total",
			Help:      "Total purchase finalisations by result.",
		},
		[]string{"result"},
	)

	// FinalisationDuration observes the transactional finalisation latency.
	FinalisationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "streetmarket",
		Name:      "finalisation_duration_seconds",
		Help:      "Purchase finalisation transaction duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// SweepReleasedTotal counts holds released by the sweepers.
	SweepReleasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streetmarket",
			Name:      "sweep_released_total",
			Help:      "Total basket holds released by background sweeps.",
		},
		[]string{"sweep"},
	)

	// MediaGroupFlushesTotal counts media-group flushes by trigger.
	MediaGroupFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streetmarket",
			Name:      "media_group_flushes_total",
			Help:      "Total media-group flushes by trigger (timer, immediate, cancel).",
		},
		[]string{"trigger"},
	)

	// OutboundSendsTotal counts platform sends by result.
	OutboundSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streetmarket",
			Name:      "outbound_sends_total",
			Help:      "Total outbound platform messages by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streetmarket", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streetmarket", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streetmarket", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ReservationsTotal,
		PaymentsTotal,
		InvoicesTotal,
		FinalisationsTotal,
		FinalisationDuration,
		SweepReleasedTotal,
		MediaGroupFlushesTotal,
		OutboundSendsTotal,
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
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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

func statusBucket(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// Handler returns the Prometheus scrape handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
