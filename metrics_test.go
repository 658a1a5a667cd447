package quicrtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRecordSend(t *testing.T) {
	m := NewMetrics()
	m.RecordSend(1200, false)
	m.RecordSend(64, true)

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.PacketsSent)
	assert.EqualValues(t, 1264, snap.BytesSent)
	assert.EqualValues(t, 1, snap.PacketsPaced)
}

func TestMetricsRecordEstablishedPercentiles(t *testing.T) {
	m := NewMetrics()
	latencies := []uint64{500_000, 1_000_000, 2_000_000, 5_000_000, 8_000_000}
	for _, l := range latencies {
		m.RecordEstablished(l)
	}

	snap := m.Snapshot()
	assert.EqualValues(t, 5, snap.ConnectionsStarted)
	assert.Greater(t, snap.AvgHandshakeLatencyNs, uint64(0))
	assert.LessOrEqual(t, snap.HandshakeLatencyP50Ns, snap.HandshakeLatencyP99Ns)
}

func TestMetricsLifecycleCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordClosing()
	m.RecordClosed()
	m.RecordPing()
	m.RecordStreamFrame(MainStreamID)
	m.RecordStreamFrame(BackgroundStreamID)
	m.RecordStreamFrame(8) // unknown stream id, ignored

	snap := m.Snapshot()
	assert.EqualValues(t, 1, snap.ConnectionsClosing)
	assert.EqualValues(t, 1, snap.ConnectionsClosed)
	assert.EqualValues(t, 1, snap.PingsEmitted)
	assert.EqualValues(t, 1, snap.MainFramesRecv)
	assert.EqualValues(t, 1, snap.BackgroundFramesRecv)
}

func TestMetricsObserverDelegates(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveSend(100, false)
	obs.ObserveRecv(100)
	obs.ObserveDrop()
	obs.ObserveEstablished(1_000_000)
	obs.ObserveClosing()
	obs.ObserveClosed()
	obs.ObservePing()
	obs.ObserveStreamFrame(MainStreamID)

	snap := m.Snapshot()
	assert.EqualValues(t, 1, snap.PacketsSent)
	assert.EqualValues(t, 1, snap.PacketsRecv)
	assert.EqualValues(t, 1, snap.PacketsDropped)
	assert.EqualValues(t, 1, snap.ConnectionsStarted)
	assert.EqualValues(t, 1, snap.ConnectionsClosing)
	assert.EqualValues(t, 1, snap.ConnectionsClosed)
	assert.EqualValues(t, 1, snap.PingsEmitted)
	assert.EqualValues(t, 1, snap.MainFramesRecv)
}

func TestNoOpObserverDoesNothing(t *testing.T) {
	var obs Observer = NoOpObserver{}
	obs.ObserveSend(1, true)
	obs.ObserveRecv(1)
	obs.ObserveDrop()
	obs.ObserveEstablished(1)
	obs.ObserveClosing()
	obs.ObserveClosed()
	obs.ObservePing()
	obs.ObserveStreamFrame(0)
}
