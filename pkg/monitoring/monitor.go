package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// 成就引擎
	AchievementAwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "achievement_award_results_total",
			Help: "Award attempts by outcome",
		},
		[]string{"reason"},
	)

	AchievementScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "achievement_scan_duration_seconds",
			Help:    "Duration of a full achievement scan for one user",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	AchievementScanFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "achievement_scan_failures_total",
			Help: "Per-achievement failures isolated during scans",
		},
		[]string{"kind"},
	)

	PartialCommits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "achievement_partial_commits_total",
			Help: "Unlocks credited to the user but not yet reflected in the achievement aggregate",
		},
	)

	ReconcileRepairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "achievement_reconcile_repairs_total",
			Help: "Aggregate counters repaired by reconciliation",
		},
	)

	// 大于 0 时需要人工介入
	ReconcileUnresolved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "achievement_reconcile_unresolved",
			Help: "Achievements whose aggregate could not be reconciled in the last pass",
		},
	)

	NotificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "achievement_notifications_dropped_total",
			Help: "Notifications dropped because the dispatch queue was full or failed",
		},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestCounter)
		prometheus.MustRegister(RequestDuration)
		prometheus.MustRegister(AchievementAwards)
		prometheus.MustRegister(AchievementScanDuration)
		prometheus.MustRegister(AchievementScanFailures)
		prometheus.MustRegister(PartialCommits)
		prometheus.MustRegister(ReconcileRepairs)
		prometheus.MustRegister(ReconcileUnresolved)
		prometheus.MustRegister(NotificationsDropped)
		prometheus.MustRegister(RateLimited)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
