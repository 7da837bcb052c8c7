package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Checkout outcome labels.
const (
	CheckoutCreated           = "created"
	CheckoutReused            = "reused"
	CheckoutAlreadySubscribed = "already_subscribed"
	CheckoutMissingContact    = "missing_contact"
	CheckoutUnknownPlan       = "unknown_plan"
	CheckoutProviderError     = "provider_error"
	CheckoutStorageError      = "storage_error"
	CheckoutRejected          = "rejected"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanvocab",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scanvocab",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	checkoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanvocab",
			Subsystem: "checkout",
			Name:      "sessions_total",
			Help:      "Checkout session requests by outcome",
		},
		[]string{"outcome"},
	)

	duplicateSessionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scanvocab",
			Subsystem: "checkout",
			Name:      "duplicate_inserts_total",
			Help:      "Session inserts that hit the idempotency key unique index",
		},
	)

	paymentOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanvocab",
			Subsystem: "payment",
			Name:      "status_classified_total",
			Help:      "Provider payment statuses by classified outcome",
		},
		[]string{"provider", "outcome"},
	)

	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanvocab",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Background jobs by type and result",
		},
		[]string{"job_type", "result"},
	)
)

// ObserveCheckout counts one checkout request outcome.
func ObserveCheckout(outcome string) {
	checkoutTotal.WithLabelValues(outcome).Inc()
}

func ObserveDuplicateSession() {
	duplicateSessionTotal.Inc()
}

// ObservePaymentOutcome counts one classified webhook status.
func ObservePaymentOutcome(provider, outcome string) {
	paymentOutcomeTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveJob counts one finished job attempt; result is "completed", "retried" or "failed".
func ObserveJob(jobType, result string) {
	reconcileTotal.WithLabelValues(jobType, result).Inc()
}

// ObserveHTTPRequest records a served request. path should be the route
// pattern, not the raw URL, to bound label cardinality.
func ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

// RoutePattern returns the chi route pattern matched for r, or "unmatched".
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
