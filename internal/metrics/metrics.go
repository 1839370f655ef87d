package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beaconq_events_enqueued_total",
			Help: "Total number of events accepted into the queue.",
		},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beaconq_events_dropped_total",
			Help: "Total number of events evicted by drop-oldest backpressure.",
		},
	)

	EventsAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beaconq_events_abandoned_total",
			Help: "Total number of events dropped after exceeding the attempt ceiling.",
		},
	)

	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beaconq_flushes_total",
			Help: "Total number of flush attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, partial, failed, empty, offline
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beaconq_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	CorruptionResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beaconq_corruption_resets_total",
			Help: "Total number of times the persisted queue was reset after a corrupt load.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beaconq_queue_depth",
			Help: "Current number of pending events in the queue.",
		},
	)

	FlushDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beaconq_flush_duration_seconds",
			Help:    "Duration of flush attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsEnqueuedTotal,
		EventsDroppedTotal,
		EventsAbandonedTotal,
		FlushesTotal,
		RetriesTotal,
		CorruptionResetsTotal,
		QueueDepth,
		FlushDurationSeconds,
	)
}

// RecordEnqueued counts one accepted event plus any evictions it caused.
func RecordEnqueued(evicted int) {
	EventsEnqueuedTotal.Inc()
	if evicted > 0 {
		EventsDroppedTotal.Add(float64(evicted))
	}
}

// RecordFlush counts a completed flush attempt and its duration.
func RecordFlush(outcome string, seconds float64) {
	FlushesTotal.WithLabelValues(outcome).Inc()
	FlushDurationSeconds.Observe(seconds)
}

// RecordRetry counts a scheduled retry by failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordAbandoned counts events given up on after the attempt ceiling.
func RecordAbandoned(n int) {
	EventsAbandonedTotal.Add(float64(n))
}

// RecordCorruptionReset counts a queue reset caused by an unreadable snapshot.
func RecordCorruptionReset() {
	CorruptionResetsTotal.Inc()
}

// UpdateQueueDepth sets the pending-event gauge.
func UpdateQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}
