// Package metrics defines the Prometheus collectors exported by feedr.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Publish attempt results.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultSimulated = "simulated"
)

var (
	PagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedr_pages_fetched_total",
		Help: "Total number of feed pages fetched.",
	})

	EntriesSeen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedr_entries_seen_total",
			Help: "Total number of feed entries processed, by whether they were new.",
		},
		[]string{"new"},
	)

	ItemsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedr_items_enqueued_total",
		Help: "Total number of messages added to the delivery queue.",
	})

	PublishAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedr_publish_attempts_total",
			Help: "Total number of publish attempts, by result.",
		},
		[]string{"result"},
	)

	QueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedr_queue_pending",
		Help: "Undelivered queue items still eligible for delivery after the last run.",
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedr_run_duration_seconds",
		Help:    "Duration of a full crawl and dispatch run.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})
)
