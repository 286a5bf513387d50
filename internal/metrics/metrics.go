package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_service_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reward_service_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reward_service_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)

	LedgerPostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_service_ledger_posts_total",
			Help: "Total number of ledger entries written, by kind",
		},
		[]string{"kind"},
	)

	LedgerPostRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_service_ledger_post_rejections_total",
			Help: "Total number of ledger posts rejected, by reason",
		},
		[]string{"reason"},
	)

	DistributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_service_distributions_total",
			Help: "Total number of sale distributions processed, by outcome",
		},
		[]string{"status"},
	)

	DistributionAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reward_service_distribution_attempts",
			Help:    "Number of attempts needed per distribution",
			Buckets: []float64{1, 2, 3, 5, 8},
		},
	)

	DistributedAmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_service_distributed_cents_total",
			Help: "Total reward pool distributed in cents, by recipient class",
		},
		[]string{"recipient"},
	)

	WithdrawalTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_service_withdrawal_transitions_total",
			Help: "Total number of withdrawal state transitions",
		},
		[]string{"status", "reason"},
	)

	PayoutDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_service_payout_dispatch_total",
			Help: "Total number of payout submissions to the processor",
		},
		[]string{"status"},
	)

	PayoutDispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reward_service_payout_dispatch_duration_seconds",
			Help:    "Duration of payout processor requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	TierAdvancementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_service_tier_advancements_total",
			Help: "Total number of tier advancements, by destination tier",
		},
		[]string{"tier"},
	)

	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_service_job_runs_total",
			Help: "Total number of scheduled job runs",
		},
		[]string{"job", "status"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Route pattern keeps label cardinality bounded.
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordPayoutDispatch records metrics for one payout processor request.
func RecordPayoutDispatch(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	PayoutDispatchTotal.WithLabelValues(status).Inc()
	PayoutDispatchDuration.Observe(duration.Seconds())
}

// RecordJobRun records the outcome of a scheduled job.
func RecordJobRun(job string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	JobRunsTotal.WithLabelValues(job, status).Inc()
}
