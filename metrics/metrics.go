// Package metrics holds the Prometheus collectors of the slotwatch server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "slotwatch"
)

var (
	// FramesTotal counts frames by what happened to them.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of frames read from the source",
		},
		[]string{"result"}, // processed/skipped
	)

	// SourceErrors counts failed opens and reads.
	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Total number of frame source failures",
		},
		[]string{"op"}, // open/read
	)

	// ClassificationErrors counts slots that could not be classified.
	ClassificationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_errors_total",
			Help:      "Total number of failed slot classifications",
		},
	)

	// ClassifyDuration measures one classification pass over every slot.
	ClassifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_duration_seconds",
			Help:      "Classification pass latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// SkipCount tracks the rate controller.
	SkipCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "skip_count",
			Help:      "Frames skipped between two classifications",
		},
	)

	// Generation is the latest published frame generation.
	Generation = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_generation",
			Help:      "Generation of the latest published frame",
		},
	)

	// WorkerState is 1 for the current pipeline state and 0 for the others.
	WorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_state",
			Help:      "Current pipeline worker state",
		},
		[]string{"state"},
	)

	// Slots tracks occupancy.
	Slots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots",
			Help:      "Number of slots by status",
		},
		[]string{"status"}, // occupied/available/unknown
	)

	// Notifications counts status sink deliveries.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of slot status notifications",
		},
		[]string{"result"}, // sent/failed/coalesced
	)

	// StreamSubscribers tracks open video feeds.
	StreamSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Number of open video feed subscribers",
		},
		[]string{"variant"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
