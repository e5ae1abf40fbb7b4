// Package metrics exposes the Prometheus surface for the synchronizer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram the synchronizer updates.
type Metrics struct {
	MessagesSent       *prometheus.CounterVec
	MessagesReceived   *prometheus.CounterVec
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
	FramesDecodeErrors prometheus.Counter

	FragmentsEmitted    prometheus.Counter
	FragmentsReassembly *prometheus.CounterVec
	BatchesEvicted      *prometheus.CounterVec
	ReassemblerBytes    prometheus.Gauge

	QueueDepth      prometheus.Gauge
	HandlerDuration prometheus.Histogram
	CommandsApplied *prometheus.CounterVec

	SyncRoundTrips   *prometheus.CounterVec
	ChannelsActive   prometheus.Gauge
	PeersKnown       prometheus.Gauge
	EphemeralEntries prometheus.Gauge

	ErrorCount prometheus.Counter
}

// New constructs and registers all metrics with the default registry.
func New() *Metrics {
	return &Metrics{
		MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncore_messages_sent_total",
			Help: "Total number of wire messages sent, by message type.",
		}, []string{"type"}),
		MessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncore_messages_received_total",
			Help: "Total number of wire messages received, by message type.",
		}, []string{"type"}),
		BytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "syncore_bytes_sent_total",
			Help: "Total bytes written to adapters after framing.",
		}),
		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "syncore_bytes_received_total",
			Help: "Total bytes read from adapters before decoding.",
		}),
		FramesDecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "syncore_frame_decode_errors_total",
			Help: "Total number of frames dropped due to a decode error.",
		}),
		FragmentsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "syncore_fragments_emitted_total",
			Help: "Total number of fragment payloads emitted by the fragmenter.",
		}),
		FragmentsReassembly: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncore_reassembly_outcomes_total",
			Help: "Reassembler outcomes by kind (complete, pending, error).",
		}, []string{"outcome"}),
		BatchesEvicted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncore_batches_evicted_total",
			Help: "Reassembly batches evicted, by reason.",
		}, []string{"reason"}),
		ReassemblerBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "syncore_reassembler_bytes_inflight",
			Help: "Total bytes currently buffered across all in-flight reassembly batches.",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "syncore_workqueue_depth",
			Help: "Number of events currently queued for dispatch.",
		}),
		HandlerDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncore_handler_duration_seconds",
			Help:    "Time taken to run one handler-to-commands dispatch.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncore_commands_applied_total",
			Help: "Commands applied by the executor, by command kind.",
		}, []string{"kind"}),
		SyncRoundTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncore_sync_round_trips_total",
			Help: "Completed sync request/response round trips, by transmission kind.",
		}, []string{"transmission"}),
		ChannelsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "syncore_channels_active",
			Help: "Number of channels currently registered with the synchronizer.",
		}),
		PeersKnown: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "syncore_peers_known",
			Help: "Number of peer states currently held in the model.",
		}),
		EphemeralEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "syncore_ephemeral_entries",
			Help: "Total live entries across all ephemeral stores.",
		}),
		ErrorCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "syncore_errors_total",
			Help: "Total number of errors observed outside the decode/reassembly taxonomies.",
		}),
	}
}
