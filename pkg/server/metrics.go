package server

import (
	"time"

	"github.com/aeolun/concord/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server.
// Every Record method is a no-op on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	connectedClients prometheus.Gauge
	pendingClients   prometheus.Gauge
	connections      *prometheus.CounterVec // by transport
	identifications  *prometheus.CounterVec // by outcome

	// Channel metrics
	channelMembers  *prometheus.GaugeVec
	broadcastFanout prometheus.Histogram

	// Message type metrics
	messagesReceived *prometheus.CounterVec // by message type
	messagesSent     *prometheus.CounterVec // by message type

	// Performance metrics
	chatPersistDuration prometheus.Histogram
}

// NewMetrics creates metrics registered on a private registry, so several
// servers can live in one process
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "concord_connected_clients",
			Help: "Number of identified clients routed into channels",
		}),
		pendingClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "concord_pending_clients",
			Help: "Number of connected clients waiting for operator approval",
		}),
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_connections_total",
			Help: "Total number of accepted connections by transport",
		}, []string{"transport"}),
		identifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_identifications_total",
			Help: "Identification attempts by outcome",
		}, []string{"outcome"}),
		channelMembers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "concord_channel_members",
			Help: "Number of connections in each public channel",
		}, []string{"channel"}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "concord_broadcast_fanout",
			Help:    "Number of connections that received each channel broadcast",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_messages_received_total",
			Help: "Total number of messages received from clients by type",
		}, []string{"type"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_messages_sent_total",
			Help: "Total number of messages sent to clients by type",
		}, []string{"type"}),
		chatPersistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "concord_chat_persist_duration_seconds",
			Help:    "Time taken to commit a chat message to the channel log",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry returns the registry backing /metrics
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordConnectedClients updates the routable client count
func (m *Metrics) RecordConnectedClients(count int) {
	if m == nil {
		return
	}
	m.connectedClients.Set(float64(count))
}

// RecordPendingClients updates the pending client count
func (m *Metrics) RecordPendingClients(count int) {
	if m == nil {
		return
	}
	m.pendingClients.Set(float64(count))
}

// RecordConnection counts an accepted connection
func (m *Metrics) RecordConnection(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

// RecordIdentification counts an identification outcome: welcome, pending, rejected or failed
func (m *Metrics) RecordIdentification(outcome string) {
	if m == nil {
		return
	}
	m.identifications.WithLabelValues(outcome).Inc()
}

// RecordChannelMembers updates the member count of a public channel
func (m *Metrics) RecordChannelMembers(channel string, count int) {
	if m == nil {
		return
	}
	m.channelMembers.WithLabelValues(channel).Set(float64(count))
}

// ForgetChannel drops the member gauge of a removed channel
func (m *Metrics) ForgetChannel(channel string) {
	if m == nil {
		return
	}
	m.channelMembers.DeleteLabelValues(channel)
}

// RecordBroadcastFanout records how many connections received a broadcast
func (m *Metrics) RecordBroadcastFanout(recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
}

// RecordMessageReceived increments the received counter for a type
func (m *Metrics) RecordMessageReceived(t protocol.MessageType) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(t.String()).Inc()
}

// RecordMessageSent increments the sent counter for a type
func (m *Metrics) RecordMessageSent(t protocol.MessageType) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(t.String()).Inc()
}

// RecordChatPersist records how long a chat insert took to commit
func (m *Metrics) RecordChatPersist(d time.Duration) {
	if m == nil {
		return
	}
	m.chatPersistDuration.Observe(d.Seconds())
}
