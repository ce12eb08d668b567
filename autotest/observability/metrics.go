package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of waiting jobs per tier.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autotest_queue_depth",
		Help: "Current number of waiting jobs per queue tier",
	}, []string{"queue"})

	// JobsRunning tracks the occupied slots per tier.
	JobsRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autotest_jobs_running",
		Help: "Current number of occupied execution slots per queue tier",
	}, []string{"queue"})

	// JobWaitSeconds tracks how long a commit waited between submission
	// and being scheduled into a slot.
	JobWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autotest_job_wait_seconds",
		Help:    "Time between commit submission and job scheduling",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
	}, []string{"queue"})

	// JobDurationSeconds tracks grading container runtime.
	JobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autotest_job_duration_seconds",
		Help:    "Grading job execution time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// TickDuration tracks the duration of one dispatcher tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autotest_tick_duration_seconds",
		Help:    "Duration of one dispatcher tick",
		Buckets: prometheus.DefBuckets,
	})

	// Promotions counts cross-tier job movements.
	Promotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotest_promotions_total",
		Help: "Total number of cross-tier job promotions",
	}, []string{"from", "to"})

	// ResultsDropped counts completion records rejected by validation.
	ResultsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autotest_results_dropped_total",
		Help: "Completion records dropped for missing required fields",
	})

	// SinkFailures counts rejected postbacks per sink; the dispatcher
	// logs and continues.
	SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotest_sink_failures_total",
		Help: "Failed result/grade sink postbacks (logged and swallowed)",
	}, []string{"sink"})

	// WebhookThrottled counts push events rejected by per-repo
	// admission rate limiting.
	WebhookThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autotest_webhook_throttled_total",
		Help: "Push events rejected by per-repository rate limiting",
	})

	// ProvisionRequests counts provisioning outcomes per deliverable.
	ProvisionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotest_provision_requests_total",
		Help: "Provisioning requests by deliverable and outcome",
	}, []string{"deliverable", "outcome"})
)
