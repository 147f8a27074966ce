// Package metrics exposes Prometheus instrumentation for a roamshell
// session: RTT/pacing, sent/received state history depth, per-direction
// nonce sequences, and prediction epoch counts: promauto-registered
// gauges and counters behind a default singleton, updated once per
// orchestrator loop iteration.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roamshell"

// Metrics holds every gauge/counter a running session updates once per
// orchestrator loop iteration.
type Metrics struct {
	SRTTMilliseconds   prometheus.Gauge
	RTTVARMilliseconds prometheus.Gauge
	PacingIntervalMS   prometheus.Gauge

	SentStatesDepth     prometheus.Gauge
	ReceivedStatesDepth prometheus.Gauge

	NonceSequence *prometheus.GaugeVec // label "direction": client_to_server | server_to_client

	InstructionsSent     prometheus.Counter
	InstructionsReceived prometheus.Counter
	DatagramsDropped     *prometheus.CounterVec // label "reason"

	PredictionEpoch  prometheus.Gauge
	PredictionCells  prometheus.Gauge
	ConnectionLost   prometheus.Counter
	ConnectionRoamed prometheus.Counter
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide Metrics instance, registering it with
// prometheus.DefaultRegisterer on first use.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates and registers a Metrics instance against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	reg.MustRegister(version.NewCollector(namespace))

	return &Metrics{
		SRTTMilliseconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "srtt_milliseconds",
			Help: "Smoothed round-trip time estimate (RFC 6298).",
		}),
		RTTVARMilliseconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rttvar_milliseconds",
			Help: "Round-trip time variation estimate (RFC 6298).",
		}),
		PacingIntervalMS: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pacing_interval_milliseconds",
			Help: "Current minimum interval between non-heartbeat sends.",
		}),
		SentStatesDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sent_states_depth",
			Help: "Number of entries retained in sent_states, including the acknowledged baseline.",
		}),
		ReceivedStatesDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "received_states_depth",
			Help: "Number of entries retained in received_states.",
		}),
		NonceSequence: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "nonce_sequence",
			Help: "Next nonce sequence number to be issued, by direction.",
		}, []string{"direction"}),
		InstructionsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "instructions_sent_total",
			Help: "Instructions transmitted, including heartbeats and ack-only sends.",
		}),
		InstructionsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "instructions_received_total",
			Help: "Instructions successfully reassembled and applied or deduplicated.",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "datagrams_dropped_total",
			Help: "Datagrams dropped, by reason.",
		}, []string{"reason"}),
		PredictionEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "prediction_epoch",
			Help: "Current prediction overlay invalidation generation counter.",
		}),
		PredictionCells: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "prediction_cells",
			Help: "Number of live speculative cell predictions.",
		}),
		ConnectionLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_lost_total",
			Help: "Number of times the session crossed the idle-warn threshold.",
		}),
		ConnectionRoamed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_roamed_total",
			Help: "Number of times the peer's observed source address changed.",
		}),
	}
}
