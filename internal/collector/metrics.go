package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	segmentsUpsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collector_segments_upserted_total",
		Help: "Mutable segment hash writes after change-only filtering.",
	})
	speakerEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collector_speaker_events_total",
		Help: "Speaker events recorded into per-session sorted sets.",
	})
	segmentsFlushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collector_segments_flushed_total",
		Help: "Immutable segments committed to the durable store.",
	})
	segmentsFilteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collector_segments_filtered_total",
		Help: "Segments rejected by the flush filter pipeline.",
	})
	flushFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collector_flush_failures_total",
		Help: "Durable flush transactions that rolled back.",
	})
	activeMeetingsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collector_active_meetings",
		Help: "Meetings with live mutable segments at the last flush sweep.",
	})
)
