package feeds

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfeed_feed_activities_written_total",
		Help: "Activities added to or removed from feeds",
	}, []string{"kind", "operation"})

	feedTrims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfeed_feed_trims_total",
		Help: "Probabilistic and explicit feed trims",
	}, []string{"kind"})

	hydrationMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamfeed_feed_hydration_misses_total",
		Help: "Stored references whose activity could not be found",
	})

	corruptEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamfeed_feed_corrupt_entries_total",
		Help: "Stored entries skipped because they could not be deserialized",
	})

	readDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamfeed_feed_read_duration_seconds",
		Help:    "Duration of feed slice reads including hydration",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // Start at 0.5ms, double each bucket, 12 buckets
	}, []string{"kind"})

	notificationsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamfeed_notification_counts_published_total",
		Help: "Notification count changes published",
	})
)
