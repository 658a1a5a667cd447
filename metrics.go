package quicrtc

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us-10s with logarithmic spacing. Used for handshake
// establishment time.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks endpoint-wide operational statistics.
type Metrics struct {
	// Datagram counters
	PacketsSent    atomic.Uint64
	PacketsRecv    atomic.Uint64
	PacketsPaced   atomic.Uint64 // sent with a future deadline, not immediately
	BytesSent      atomic.Uint64
	BytesRecv      atomic.Uint64
	PacketsDropped atomic.Uint64 // oversize or malformed, never reached a connection

	// Connection lifecycle counters
	ConnectionsStarted atomic.Uint64 // handshake completed
	ConnectionsClosing atomic.Uint64 // graceful close begun
	ConnectionsClosed  atomic.Uint64
	PingsEmitted       atomic.Uint64

	// Stream frame counters
	MainFramesRecv       atomic.Uint64
	BackgroundFramesRecv atomic.Uint64

	// Handshake latency histogram (cumulative counts per bucket)
	HandshakeLatencyBuckets [numLatencyBuckets]atomic.Uint64
	TotalHandshakeLatencyNs atomic.Uint64
	HandshakeCount          atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64
}

// NewMetrics creates a new Metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSend records one outbound datagram.
func (m *Metrics) RecordSend(bytes int, paced bool) {
	m.PacketsSent.Add(1)
	m.BytesSent.Add(uint64(bytes))
	if paced {
		m.PacketsPaced.Add(1)
	}
}

// RecordRecv records one inbound datagram successfully handed to a
// connection (or used to create one).
func (m *Metrics) RecordRecv(bytes int) {
	m.PacketsRecv.Add(1)
	m.BytesRecv.Add(uint64(bytes))
}

// RecordDrop records one inbound datagram that never reached a connection.
func (m *Metrics) RecordDrop() {
	m.PacketsDropped.Add(1)
}

// RecordEstablished records a handshake completion and its latency from
// connection creation.
func (m *Metrics) RecordEstablished(latencyNs uint64) {
	m.ConnectionsStarted.Add(1)
	m.TotalHandshakeLatencyNs.Add(latencyNs)
	m.HandshakeCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.HandshakeLatencyBuckets[i].Add(1)
		}
	}
}

// RecordClosing records the graceful-close-begun transition.
func (m *Metrics) RecordClosing() {
	m.ConnectionsClosing.Add(1)
}

// RecordClosed records the terminal closed transition.
func (m *Metrics) RecordClosed() {
	m.ConnectionsClosed.Add(1)
}

// RecordPing records one keep-alive PING emission.
func (m *Metrics) RecordPing() {
	m.PingsEmitted.Add(1)
}

// RecordStreamFrame records one completed recv frame on the given stream id.
func (m *Metrics) RecordStreamFrame(streamID int64) {
	switch streamID {
	case MainStreamID:
		m.MainFramesRecv.Add(1)
	case BackgroundStreamID:
		m.BackgroundFramesRecv.Add(1)
	}
}

// Stop marks the endpoint as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to pass by value.
type MetricsSnapshot struct {
	PacketsSent    uint64
	PacketsRecv    uint64
	PacketsPaced   uint64
	BytesSent      uint64
	BytesRecv      uint64
	PacketsDropped uint64

	ConnectionsStarted uint64
	ConnectionsClosing uint64
	ConnectionsClosed  uint64
	PingsEmitted       uint64

	MainFramesRecv       uint64
	BackgroundFramesRecv uint64

	AvgHandshakeLatencyNs uint64
	HandshakeLatencyP50Ns uint64
	HandshakeLatencyP99Ns uint64

	UptimeNs uint64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		PacketsSent:          m.PacketsSent.Load(),
		PacketsRecv:          m.PacketsRecv.Load(),
		PacketsPaced:         m.PacketsPaced.Load(),
		BytesSent:            m.BytesSent.Load(),
		BytesRecv:            m.BytesRecv.Load(),
		PacketsDropped:       m.PacketsDropped.Load(),
		ConnectionsStarted:   m.ConnectionsStarted.Load(),
		ConnectionsClosing:   m.ConnectionsClosing.Load(),
		ConnectionsClosed:    m.ConnectionsClosed.Load(),
		PingsEmitted:         m.PingsEmitted.Load(),
		MainFramesRecv:       m.MainFramesRecv.Load(),
		BackgroundFramesRecv: m.BackgroundFramesRecv.Load(),
	}

	if count := m.HandshakeCount.Load(); count > 0 {
		snap.AvgHandshakeLatencyNs = m.TotalHandshakeLatencyNs.Load() / count
		snap.HandshakeLatencyP50Ns = m.calculatePercentile(0.50)
		snap.HandshakeLatencyP99Ns = m.calculatePercentile(0.99)
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	return snap
}

// calculatePercentile estimates the handshake latency at the given
// percentile (0.0-1.0) via linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.HandshakeCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := m.HandshakeLatencyBuckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.HandshakeLatencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection, mirrored by the connection
// and endpoint layers so a caller can plug in its own exporter.
type Observer interface {
	ObserveSend(bytes int, paced bool)
	ObserveRecv(bytes int)
	ObserveDrop()
	ObserveEstablished(latencyNs uint64)
	ObserveClosing()
	ObserveClosed()
	ObservePing()
	ObserveStreamFrame(streamID int64)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSend(int, bool)    {}
func (NoOpObserver) ObserveRecv(int)          {}
func (NoOpObserver) ObserveDrop()             {}
func (NoOpObserver) ObserveEstablished(uint64) {}
func (NoOpObserver) ObserveClosing()          {}
func (NoOpObserver) ObserveClosed()           {}
func (NoOpObserver) ObservePing()             {}
func (NoOpObserver) ObserveStreamFrame(int64) {}

// MetricsObserver implements Observer by recording into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer backed by m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSend(bytes int, paced bool)   { o.metrics.RecordSend(bytes, paced) }
func (o *MetricsObserver) ObserveRecv(bytes int)               { o.metrics.RecordRecv(bytes) }
func (o *MetricsObserver) ObserveDrop()                        { o.metrics.RecordDrop() }
func (o *MetricsObserver) ObserveEstablished(latencyNs uint64) { o.metrics.RecordEstablished(latencyNs) }
func (o *MetricsObserver) ObserveClosing()                     { o.metrics.RecordClosing() }
func (o *MetricsObserver) ObserveClosed()                      { o.metrics.RecordClosed() }
func (o *MetricsObserver) ObservePing()                        { o.metrics.RecordPing() }
func (o *MetricsObserver) ObserveStreamFrame(streamID int64)   { o.metrics.RecordStreamFrame(streamID) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
