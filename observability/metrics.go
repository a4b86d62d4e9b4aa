package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	deliveryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callbus",
			Subsystem: "reliability",
			Name:      "delivery_events_total",
			Help:      "Delivery status transitions by outcome.",
		},
		[]string{"status"},
	)

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callbus",
			Subsystem: "wire",
			Name:      "frames_total",
			Help:      "Frames moved over the wire by direction.",
		},
		[]string{"direction"},
	)

	checksumFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "callbus",
			Subsystem: "wire",
			Name:      "checksum_failures_total",
			Help:      "Inbound frames rejected by CRC or header validation.",
		},
	)

	workerDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callbus",
			Subsystem: "dispatch",
			Name:      "queue_drops_total",
			Help:      "Fire-and-forget requests dropped because a worker queue was full.",
		},
		[]string{"worker"},
	)

	handoffDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callbus",
			Subsystem: "engine",
			Name:      "handoff_drops_total",
			Help:      "Received frames dropped on the receive to owner handoff.",
		},
		[]string{"engine"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "callbus",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Current depth of a worker queue.",
		},
		[]string{"worker"},
	)
)

// RegisterMetrics registers every collector with the default registry.
// Safe to call from multiple components; only the first call registers.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			deliveryEvents,
			framesTotal,
			checksumFailures,
			workerDrops,
			handoffDrops,
			queueDepth,
		)
	})
}

func RecordDelivery(status string) {
	deliveryEvents.WithLabelValues(status).Inc()
}

func RecordFrame(direction string) {
	framesTotal.WithLabelValues(direction).Inc()
}

func RecordChecksumFailure() {
	checksumFailures.Inc()
}

func RecordWorkerDrop(worker string) {
	workerDrops.WithLabelValues(worker).Inc()
}

func RecordHandoffDrop(engine string) {
	handoffDrops.WithLabelValues(engine).Inc()
}

func SetQueueDepth(worker string, depth int) {
	queueDepth.WithLabelValues(worker).Set(float64(depth))
}
