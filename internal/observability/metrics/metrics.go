// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_speech_stream"

// Metrics holds all Prometheus metrics for the client engine and the
// reference endpoint.
type Metrics struct {
	// Session metrics
	SessionsTotal      prometheus.Counter
	SessionsActive     prometheus.Gauge
	SessionsEnded      *prometheus.CounterVec
	SessionDuration    prometheus.Histogram
	SessionStalls      prometheus.Counter
	SessionReuseDenied prometheus.Counter

	// Send path metrics
	ChunksSent         prometheus.Counter
	SamplesSent        prometheus.Counter
	ProtocolViolations *prometheus.CounterVec
	CreditWaitSeconds  prometheus.Histogram

	// Acknowledgment metrics
	AcksReceived  *prometheus.CounterVec
	AckLatency    prometheus.Histogram
	ChunksUnacked prometheus.Counter

	// Inbound metrics
	MessagesReceived *prometheus.CounterVec
	Diagnostics      *prometheus.CounterVec

	// Heartbeat metrics
	PingsSent     prometheus.Counter
	PongsReceived prometheus.Counter

	// Endpoint metrics
	ConnectionsTotal     prometheus.Counter
	ConnectionsActive    prometheus.Gauge
	AudioChunksReceived  prometheus.Counter
	AudioSamplesReceived prometheus.Counter
	EndpointErrors       *prometheus.CounterVec
	EndpointClosures     *prometheus.CounterVec
	FallbackRequests     *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// STT metrics
	STTLatency *prometheus.HistogramVec
	STTErrors  *prometheus.CounterVec

	// Admin gRPC metrics
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	// Viewer metrics
	ViewerClients  prometheus.Gauge
	ViewerMessages *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of streaming sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions not yet in a terminal state",
		}),
		SessionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions that reached a terminal state",
		}, []string{"state", "reason"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time from session start to its terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		SessionStalls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_stalls_total",
			Help:      "Total number of receive timeouts observed by sessions",
		}),
		SessionReuseDenied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reuse_denied_total",
			Help:      "Total number of attempts to reopen a used session id",
		}),

		// Send path metrics
		ChunksSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Total number of audio chunks written",
		}),
		SamplesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_sent_total",
			Help:      "Total number of audio samples written",
		}),
		ProtocolViolations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total number of sends rejected locally",
		}, []string{"kind"}),
		CreditWaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_wait_seconds",
			Help:      "Time the send path waited for in-flight credit",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),

		// Acknowledgment metrics
		AcksReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_received_total",
			Help:      "Total number of chunk_received messages",
		}, []string{"outcome"}),
		AckLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Time from chunk write to its acknowledgment",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		ChunksUnacked: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_unacknowledged_total",
			Help:      "Total number of chunks whose acknowledgment timed out",
		}),

		// Inbound metrics
		MessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound messages by type",
		}, []string{"type"}),
		Diagnostics: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Total number of inbound diagnostics",
		}, []string{"kind"}),

		// Heartbeat metrics
		PingsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_sent_total",
			Help:      "Total number of heartbeat pings written",
		}),
		PongsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pongs_received_total",
			Help:      "Total number of pongs received",
		}),

		// Endpoint metrics
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_connections_total",
			Help:      "Total number of WebSocket connections accepted",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_connections_active",
			Help:      "Number of open WebSocket connections",
		}),
		AudioChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_audio_chunks_total",
			Help:      "Total audio chunks accepted by the endpoint",
		}),
		AudioSamplesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_audio_samples_total",
			Help:      "Total audio samples accepted by the endpoint",
		}),
		EndpointErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_errors_total",
			Help:      "Total number of error messages sent by the endpoint",
		}, []string{"reason"}),
		EndpointClosures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_closures_total",
			Help:      "Total number of connections closed by the endpoint",
		}, []string{"reason"}),
		FallbackRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_requests_total",
			Help:      "Total number of non-streaming requests",
		}, []string{"status"}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// STT metrics
		STTLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_seconds",
			Help:      "Time from end_stream to transcript",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"provider"}),
		STTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),

		// Admin gRPC metrics
		RPCRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of admin gRPC calls",
		}, []string{"method", "code"}),
		RPCDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_duration_seconds",
			Help:      "Admin gRPC call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		// Viewer metrics
		ViewerClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewer_clients",
			Help:      "Number of connected transcript viewer clients",
		}),
		ViewerMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_messages_total",
			Help:      "Total number of Kafka messages consumed by the viewer",
		}, []string{"topic", "outcome"}),
	}
}

// RecordSessionStart records a session entering Streaming.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session reaching a terminal state.
func (m *Metrics) RecordSessionEnd(state, reason string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	m.SessionsEnded.WithLabelValues(state, reason).Inc()
}

// RecordStall records a receive timeout.
func (m *Metrics) RecordStall() {
	m.SessionStalls.Inc()
}

// RecordReuseDenied records a rejected attempt to reopen a session id.
func (m *Metrics) RecordReuseDenied() {
	m.SessionReuseDenied.Inc()
}

// RecordChunkSent records one audio chunk written to the connection.
func (m *Metrics) RecordChunkSent(samples int) {
	m.ChunksSent.Inc()
	m.SamplesSent.Add(float64(samples))
}

// RecordProtocolViolation records a send rejected before any write.
func (m *Metrics) RecordProtocolViolation(kind string) {
	m.ProtocolViolations.WithLabelValues(kind).Inc()
}

// RecordCreditWait records how long a send waited for credit.
func (m *Metrics) RecordCreditWait(seconds float64) {
	m.CreditWaitSeconds.Observe(seconds)
}

// RecordAck records an acknowledgment. outcome is one of matched, late,
// mismatched or stray.
func (m *Metrics) RecordAck(outcome string, latencySeconds float64) {
	m.AcksReceived.WithLabelValues(outcome).Inc()
	if outcome != "stray" {
		m.AckLatency.Observe(latencySeconds)
	}
}

// RecordUnacknowledged records a chunk whose ack timed out.
func (m *Metrics) RecordUnacknowledged() {
	m.ChunksUnacked.Inc()
}

// RecordMessage records an inbound message by type.
func (m *Metrics) RecordMessage(messageType string) {
	m.MessagesReceived.WithLabelValues(messageType).Inc()
}

// RecordDiagnostic records an inbound diagnostic.
func (m *Metrics) RecordDiagnostic(kind string) {
	m.Diagnostics.WithLabelValues(kind).Inc()
}

// RecordPing records a heartbeat ping.
func (m *Metrics) RecordPing() {
	m.PingsSent.Inc()
}

// RecordPong records a pong.
func (m *Metrics) RecordPong() {
	m.PongsReceived.Inc()
}

// RecordConnectionOpen records an accepted endpoint connection.
func (m *Metrics) RecordConnectionOpen() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordConnectionClose records a closed endpoint connection.
func (m *Metrics) RecordConnectionClose(reason string) {
	m.ConnectionsActive.Dec()
	m.EndpointClosures.WithLabelValues(reason).Inc()
}

// RecordAudioReceived records one audio chunk accepted by the endpoint.
func (m *Metrics) RecordAudioReceived(samples int) {
	m.AudioChunksReceived.Inc()
	m.AudioSamplesReceived.Add(float64(samples))
}

// RecordEndpointError records an error message sent to a client.
func (m *Metrics) RecordEndpointError(reason string) {
	m.EndpointErrors.WithLabelValues(reason).Inc()
}

// RecordFallbackRequest records a non-streaming request.
func (m *Metrics) RecordFallbackRequest(status string) {
	m.FallbackRequests.WithLabelValues(status).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordSTTLatency records recognition latency.
func (m *Metrics) RecordSTTLatency(provider string, seconds float64) {
	m.STTLatency.WithLabelValues(provider).Observe(seconds)
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordRPC records one finished admin gRPC call.
func (m *Metrics) RecordRPC(method, code string, seconds float64) {
	m.RPCRequests.WithLabelValues(method, code).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(seconds)
}

// SetViewerClients sets the number of connected viewer clients.
func (m *Metrics) SetViewerClients(n int) {
	m.ViewerClients.Set(float64(n))
}

// RecordViewerMessage records one consumed message. outcome is "relayed" or
// "invalid".
func (m *Metrics) RecordViewerMessage(topic, outcome string) {
	m.ViewerMessages.WithLabelValues(topic, outcome).Inc()
}
