// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	stageTransitionsCounter *prometheus.CounterVec
	reviewDecisionsCounter  *prometheus.CounterVec
	providerCallsCounter    *prometheus.CounterVec
	providerDurationMetric  *prometheus.HistogramVec
	providerRetriesCounter  *prometheus.CounterVec
	reviewSweepDuration     prometheus.Histogram
	httpRequestsCounter     *prometheus.CounterVec
	httpDurationMetric      *prometheus.HistogramVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		stageTransitionsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stage_transitions_total",
				Help: "Total number of pipeline entity status transitions by stage and status.",
			},
			[]string{"stage", "status"},
		)

		reviewDecisionsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_decisions_total",
				Help: "Total number of committed review decisions by outcome.",
			},
			[]string{"status"},
		)

		providerCallsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_calls_total",
				Help: "Total number of provider gateway calls by backend and outcome.",
			},
			[]string{"backend", "outcome"},
		)

		providerDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_attempt_duration_seconds",
				Help:    "Duration of single provider attempts in seconds.",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"backend"},
		)

		providerRetriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_retries_total",
				Help: "Total number of retried provider attempts.",
			},
			[]string{"backend"},
		)

		reviewSweepDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "review_sweep_duration_seconds",
				Help:    "Duration of review expiry sweeps in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		httpRequestsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of API requests by route pattern, method and status code.",
			},
			[]string{"route", "method", "code"},
		)

		httpDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "API request latency by route pattern. Starts include the provider call.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"route"},
		)

		prometheus.MustRegister(
			stageTransitionsCounter,
			reviewDecisionsCounter,
			providerCallsCounter,
			providerDurationMetric,
			providerRetriesCounter,
			reviewSweepDuration,
			httpRequestsCounter,
			httpDurationMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, stage := range domain.Stages {
			for _, status := range []domain.Status{
				domain.StatusProcessing,
				domain.StatusPendingReview,
				domain.StatusApproved,
				domain.StatusRejected,
				domain.StatusFailed,
			} {
				stageTransitionsCounter.WithLabelValues(string(stage), string(status))
			}
		}

		for _, status := range []domain.ReviewStatus{
			domain.ReviewApproved,
			domain.ReviewRejected,
			domain.ReviewExpired,
		} {
			reviewDecisionsCounter.WithLabelValues(string(status))
		}
	})
}

func IncStageTransition(stage domain.Stage, status domain.Status) {
	Init()
	stageTransitionsCounter.WithLabelValues(string(stage), string(status)).Inc()
}

func IncReviewDecision(status domain.ReviewStatus) {
	Init()
	reviewDecisionsCounter.WithLabelValues(string(status)).Inc()
}

// IncProviderCall records a finished gateway call. outcome is one of
// success, transient, fatal, canceled.
func IncProviderCall(backend, outcome string) {
	Init()
	providerCallsCounter.WithLabelValues(backend, outcome).Inc()
}

func ObserveProviderAttempt(backend string, d time.Duration) {
	Init()
	providerDurationMetric.WithLabelValues(backend).Observe(d.Seconds())
}

func IncProviderRetries(backend string) {
	Init()
	providerRetriesCounter.WithLabelValues(backend).Inc()
}

func ObserveReviewSweep(d time.Duration) {
	Init()
	reviewSweepDuration.Observe(d.Seconds())
}

// ObserveHTTPRequest records one served request. route is the matched
// pattern, never the raw path, to keep label cardinality bounded.
func ObserveHTTPRequest(route, method string, code int, d time.Duration) {
	Init()
	httpRequestsCounter.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	httpDurationMetric.WithLabelValues(route).Observe(d.Seconds())
}
