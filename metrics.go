package zsock

import (
	"sync"
	"time"
)

// MetricsSnapshot represents a point-in-time snapshot of a socket's metrics
type MetricsSnapshot struct {
	// Traffic
	MessagesSent     int `json:"messages_sent"`
	MessagesReceived int `json:"messages_received"`
	MessagesDropped  int `json:"messages_dropped"`
	BytesSent        int `json:"bytes_sent"`
	BytesReceived    int `json:"bytes_received"`

	// Peers
	PeersConnected    int `json:"peers_connected"`
	PeersTotal        int `json:"peers_total"`
	Reconnects        int `json:"reconnects"`
	HandshakeFailures int `json:"handshake_failures"`
	ProtocolErrors    int `json:"protocol_errors"`
	FramingErrors     int `json:"framing_errors"`

	// Subscriptions held: local prefixes for a subscriber, the sum over
	// peers for a publisher.
	Subscriptions int `json:"subscriptions"`

	// Heartbeat
	HeartbeatRttAvgMs  float64 `json:"heartbeat_rtt_avg_ms"`
	HeartbeatRttLastMs float64 `json:"heartbeat_rtt_last_ms"`
	HeartbeatMisses    int     `json:"heartbeat_misses"`

	// Timestamp
	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a thread-safe metrics collector for one socket
type Metrics struct {
	mu sync.RWMutex

	messagesSent     int
	messagesReceived int
	messagesDropped  int
	bytesSent        int
	bytesReceived    int

	peersConnected    int
	peersTotal        int
	reconnects        int
	handshakeFailures int
	protocolErrors    int
	framingErrors     int

	subscriptions int

	// Heartbeat RTT samples
	heartbeatRtts   []float64
	heartbeatMisses int
}

const maxRttSamples = 100

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		heartbeatRtts: make([]float64, 0, maxRttSamples),
	}
}

// RecordSent records a message handed to a peer's queue
func (m *Metrics) RecordSent(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messagesSent++
	m.bytesSent += bytes
}

// RecordReceived records a message delivered to the application
func (m *Metrics) RecordReceived(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messagesReceived++
	m.bytesReceived += bytes
}

// RecordDropped records a message discarded at a high-water mark or by filtering
func (m *Metrics) RecordDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messagesDropped++
}

// RecordPeerAdded records a peer becoming established
func (m *Metrics) RecordPeerAdded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peersConnected++
	m.peersTotal++
}

// RecordPeerRemoved records a peer leaving the socket
func (m *Metrics) RecordPeerRemoved() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peersConnected > 0 {
		m.peersConnected--
	}
}

// RecordReconnect records a reconnection attempt being scheduled
func (m *Metrics) RecordReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reconnects++
}

// RecordHandshakeFailure records a failed greeting exchange
func (m *Metrics) RecordHandshakeFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handshakeFailures++
	if isProtocolError(err) {
		m.protocolErrors++
	}
}

// RecordFramingError records a peer removed for a malformed stream
func (m *Metrics) RecordFramingError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.framingErrors++
}

// SetSubscriptions records the current subscription count
func (m *Metrics) SetSubscriptions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscriptions = n
}

// RecordHeartbeatRtt records a heartbeat round-trip time
func (m *Metrics) RecordHeartbeatRtt(rttMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Keep last 100 samples
	if len(m.heartbeatRtts) >= maxRttSamples {
		m.heartbeatRtts = m.heartbeatRtts[1:]
	}
	m.heartbeatRtts = append(m.heartbeatRtts, rttMs)
}

// RecordHeartbeatMiss records a peer removed for heartbeat silence
func (m *Metrics) RecordHeartbeatMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.heartbeatMisses++
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		MessagesSent:      m.messagesSent,
		MessagesReceived:  m.messagesReceived,
		MessagesDropped:   m.messagesDropped,
		BytesSent:         m.bytesSent,
		BytesReceived:     m.bytesReceived,
		PeersConnected:    m.peersConnected,
		PeersTotal:        m.peersTotal,
		Reconnects:        m.reconnects,
		HandshakeFailures: m.handshakeFailures,
		ProtocolErrors:    m.protocolErrors,
		FramingErrors:     m.framingErrors,
		Subscriptions:     m.subscriptions,
		HeartbeatMisses:   m.heartbeatMisses,
		Timestamp:         time.Now(),
	}

	// Calculate heartbeat RTT average
	if len(m.heartbeatRtts) > 0 {
		sum := 0.0
		for _, v := range m.heartbeatRtts {
			sum += v
		}
		snapshot.HeartbeatRttAvgMs = sum / float64(len(m.heartbeatRtts))
		snapshot.HeartbeatRttLastMs = m.heartbeatRtts[len(m.heartbeatRtts)-1]
	}

	return snapshot
}

// Reset resets all counters. Gauges (connected peers, subscriptions) are kept.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messagesSent = 0
	m.messagesReceived = 0
	m.messagesDropped = 0
	m.bytesSent = 0
	m.bytesReceived = 0
	m.peersTotal = m.peersConnected
	m.reconnects = 0
	m.handshakeFailures = 0
	m.protocolErrors = 0
	m.framingErrors = 0
	m.heartbeatRtts = make([]float64, 0, maxRttSamples)
	m.heartbeatMisses = 0
}
