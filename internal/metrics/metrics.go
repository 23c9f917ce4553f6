// Package metrics exposes Prometheus collectors for the publishing pipeline.
//
// These cover the domain side of the system (queue, publishing, shadow-ban
// protection); HTTP traffic metrics live in the middleware package. Labels
// stay bounded: "mode" is single|digest, "reason" is a small fixed set.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PublishedTotal counts successful channel posts by mode (single|digest).
	PublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_posts_total",
			Help: "Total number of successful channel posts.",
		},
		[]string{"mode"},
	)

	// PublishFailures counts terminal publish failures by mode.
	PublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_post_failures_total",
			Help: "Total number of publish attempts that ended in a failed state.",
		},
		[]string{"mode"},
	)

	// DuplicatesTotal counts submissions rejected by deduplication, by the
	// layer that caught them (queue|ledger|history).
	DuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_duplicates_total",
			Help: "Total number of submissions rejected as duplicates.",
		},
		[]string{"layer"},
	)

	// ShadowBanDetections counts catalog responses flagged as shadow bans.
	ShadowBanDetections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "publisher_shadowban_detections_total",
			Help: "Total number of detected shadow-ban responses.",
		},
	)

	// ReapedTotal counts stuck processing entries returned to the queue.
	ReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "publisher_reaped_total",
			Help: "Total number of stale processing entries requeued by the reaper.",
		},
	)

	// QueueDepth gauges pending queue entries, refreshed each scheduler tick.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "publisher_queue_depth",
			Help: "Number of queue entries currently pending.",
		},
	)

	// RateLimitWaits counts admissions that had to wait for a window slot.
	RateLimitWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_ratelimit_waits_total",
			Help: "Total number of outbound calls delayed by the rate limiter.",
		},
		[]string{"key"},
	)
)

func init() {
	prometheus.MustRegister(
		PublishedTotal,
		PublishFailures,
		DuplicatesTotal,
		ShadowBanDetections,
		ReapedTotal,
		QueueDepth,
		RateLimitWaits,
	)
}
