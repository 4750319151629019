package zsock

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "zsock"

var socketLabels = []string{"type", "identity"}

// Collector exports socket metrics of a Context, and relay stats of any
// devices added to it, as Prometheus metrics. Values are read from snapshots
// at scrape time.
type Collector struct {
	ctx *Context

	mu      sync.Mutex
	devices map[string]*Device

	sent, received, dropped       *prometheus.Desc
	bytesSent, bytesReceived      *prometheus.Desc
	peers, reconnects             *prometheus.Desc
	handshakeFailures, framingErr *prometheus.Desc
	subscriptions, heartbeatRtt   *prometheus.Desc
	heartbeatMisses               *prometheus.Desc

	relayed, retries, undelivered *prometheus.Desc
	deviceState                   *prometheus.Desc
}

// NewCollector creates a collector for every socket open on ctx
func NewCollector(ctx *Context) *Collector {
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
	}
	deviceLabels := []string{"device", "kind"}
	return &Collector{
		ctx:     ctx,
		devices: make(map[string]*Device),

		sent:              desc("messages_sent_total", "Messages handed to peer queues", socketLabels),
		received:          desc("messages_received_total", "Messages delivered to the application", socketLabels),
		dropped:           desc("messages_dropped_total", "Messages discarded at a high-water mark or by filtering", socketLabels),
		bytesSent:         desc("bytes_sent_total", "Payload bytes handed to peer queues", socketLabels),
		bytesReceived:     desc("bytes_received_total", "Payload bytes delivered to the application", socketLabels),
		peers:             desc("peers", "Established peers", socketLabels),
		reconnects:        desc("reconnects_total", "Reconnect attempts scheduled", socketLabels),
		handshakeFailures: desc("handshake_failures_total", "Failed greeting exchanges", socketLabels),
		framingErr:        desc("framing_errors_total", "Peers removed for malformed streams", socketLabels),
		subscriptions:     desc("subscriptions", "Subscription prefixes held", socketLabels),
		heartbeatRtt:      desc("heartbeat_rtt_seconds", "Average heartbeat round trip", socketLabels),
		heartbeatMisses:   desc("heartbeat_misses_total", "Peers removed for heartbeat silence", socketLabels),

		relayed:     desc("device_relayed_total", "Messages relayed by a device", deviceLabels),
		retries:     desc("device_retries_total", "Relay send retries", deviceLabels),
		undelivered: desc("device_undelivered_total", "Messages a stopping device could not deliver", deviceLabels),
		deviceState: desc("device_state", "Device lifecycle state (0 created, 1 running, 2 stopping, 3 stopped)", deviceLabels),
	}
}

// AddDevice exports d's relay stats under name
func (c *Collector) AddDevice(name string, d *Device) {
	c.mu.Lock()
	c.devices[name] = d
	c.mu.Unlock()
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.sent, c.received, c.dropped, c.bytesSent, c.bytesReceived,
		c.peers, c.reconnects, c.handshakeFailures, c.framingErr,
		c.subscriptions, c.heartbeatRtt, c.heartbeatMisses,
		c.relayed, c.retries, c.undelivered, c.deviceState,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, v, labels...)
	}
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}

	for _, s := range c.ctx.Sockets() {
		snap := s.Metrics().Snapshot()
		labels := []string{string(s.Type()), s.Identity()}

		counter(c.sent, float64(snap.MessagesSent), labels...)
		counter(c.received, float64(snap.MessagesReceived), labels...)
		counter(c.dropped, float64(snap.MessagesDropped), labels...)
		counter(c.bytesSent, float64(snap.BytesSent), labels...)
		counter(c.bytesReceived, float64(snap.BytesReceived), labels...)
		gauge(c.peers, float64(snap.PeersConnected), labels...)
		counter(c.reconnects, float64(snap.Reconnects), labels...)
		counter(c.handshakeFailures, float64(snap.HandshakeFailures), labels...)
		counter(c.framingErr, float64(snap.FramingErrors), labels...)
		gauge(c.subscriptions, float64(snap.Subscriptions), labels...)
		gauge(c.heartbeatRtt, snap.HeartbeatRttAvgMs/1000, labels...)
		counter(c.heartbeatMisses, float64(snap.HeartbeatMisses), labels...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, d := range c.devices {
		stats := d.Stats()
		labels := []string{name, string(d.Kind())}
		counter(c.relayed, float64(stats.Relayed), labels...)
		counter(c.retries, float64(stats.Retries), labels...)
		counter(c.undelivered, float64(stats.Undelivered), labels...)
		gauge(c.deviceState, float64(d.State()), labels...)
	}
}
