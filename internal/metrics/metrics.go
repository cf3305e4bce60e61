// Package metrics provides Prometheus metrics for aronia.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "aronia"
)

// Metrics contains all Prometheus metrics for a node.
type Metrics struct {
	// Peer metrics
	PeersConnected  prometheus.Gauge
	PeerConnections prometheus.Counter
	PeerDisconnects *prometheus.CounterVec
	PeersRejected   *prometheus.CounterVec

	// Frame metrics
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	SignatureFailures prometheus.Counter
	ProtocolErrors    *prometheus.CounterVec

	// Request metrics
	RequestsInFlight  prometheus.Gauge
	RequestsCompleted *prometheus.CounterVec
	RequestLatency    prometheus.Histogram

	// Introduction metrics
	IntroductionsReceived prometheus.Counter
	IntroductionsAccepted prometheus.Counter
	IntroductionsRejected *prometheus.CounterVec

	// Write path metrics
	WritesParked        prometheus.Counter
	BackpressureAborts  prometheus.Counter
	HeartbeatsSent      prometheus.Counter
	LivenessExpirations prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance registered against
// the default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a Metrics instance registered against
// the given registerer. Tests pass a private registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		})
		reg.MustRegister(c)
		return c
	}
	vec := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		}, labels)
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers_connected",
			Help: "Number of currently active peer sessions.",
		}),
		PeerConnections: factory("peer_connections_total", "Total peer sessions established."),
		PeerDisconnects: vec("peer_disconnects_total", "Peer session teardowns by reason.", "reason"),
		PeersRejected:   vec("peers_rejected_total", "Admission rejections by reason.", "reason"),

		FramesSent:        vec("frames_sent_total", "Frames written by type.", "type"),
		FramesReceived:    vec("frames_received_total", "Verified frames read by type.", "type"),
		SignatureFailures: factory("signature_failures_total", "Frames dropped for bad signatures."),
		ProtocolErrors:    vec("protocol_errors_total", "Protocol violations by kind.", "kind"),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "requests_in_flight",
			Help: "Outbound requests awaiting a response.",
		}),
		RequestsCompleted: vec("requests_completed_total", "Outbound requests by outcome.", "outcome"),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_latency_seconds",
			Help:    "Round-trip latency of completed requests.",
			Buckets: prometheus.DefBuckets,
		}),

		IntroductionsReceived: factory("introductions_received_total", "INTRODUCE frames validated."),
		IntroductionsAccepted: factory("introductions_accepted_total", "Introductions accepted."),
		IntroductionsRejected: vec("introductions_rejected_total", "Introductions rejected by reason.", "reason"),

		WritesParked:        factory("writes_parked_total", "Writes parked on backpressure."),
		BackpressureAborts:  factory("backpressure_aborts_total", "Parked writes that hit the backpressure timeout."),
		HeartbeatsSent:      factory("heartbeats_sent_total", "Heartbeat frames sent."),
		LivenessExpirations: factory("liveness_expirations_total", "Sessions torn down by liveness timeout."),
	}

	reg.MustRegister(m.PeersConnected, m.RequestsInFlight, m.RequestLatency)

	return m
}
