// Package metrics exposes Prometheus collectors for the report services.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Webhook delivery outcomes
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeNotFound  = "not_found"
	OutcomeError     = "error"
)

// Quota credit results
const (
	CreditApplied   = "applied"
	CreditDuplicate = "duplicate"
	CreditIgnored   = "ignored"
	CreditError     = "error"
)

var (
	webhookDeliveriesTotal     *prometheus.CounterVec
	analysisTriggeredTotal     prometheus.Counter
	jobsFinishedTotal          *prometheus.CounterVec
	quotaCreditsTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	watchdogActionsTotal       *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reports_webhook_deliveries_total",
				Help: "Total number of shard webhook deliveries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		analysisTriggeredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reports_analysis_triggered_total",
				Help: "Total number of jobs whose last shard delivery triggered analysis.",
			},
		)

		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reports_jobs_finished_total",
				Help: "Total number of jobs that reached a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		quotaCreditsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reports_quota_credits_total",
				Help: "Total number of billing events handled, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		watchdogActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reports_watchdog_actions_total",
				Help: "Total number of stale jobs handled by the watchdog, labeled by action.",
			},
			[]string{"action"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveWebhookDelivery counts one shard webhook delivery
func ObserveWebhookDelivery(outcome string) {
	Init()
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAnalysisTriggered counts one analysis trigger
func ObserveAnalysisTriggered() {
	Init()
	analysisTriggeredTotal.Inc()
}

// ObserveJobFinished counts a job reaching status
func ObserveJobFinished(status string) {
	Init()
	jobsFinishedTotal.WithLabelValues(status).Inc()
}

// ObserveQuotaCredit counts one billing event by result
func ObserveQuotaCredit(result string) {
	Init()
	quotaCreditsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveWatchdogAction counts one stale job handled by the watchdog
func ObserveWatchdogAction(action string) {
	Init()
	watchdogActionsTotal.WithLabelValues(action).Inc()
}
