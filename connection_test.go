package quicrtc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionRoundTripMainStream(t *testing.T) {
	pair := NewFakePair()
	pair.Handshake()

	pair.Client.SetMainTarget(5, make([]byte, 5))
	pair.Server.SendMain([]byte("hello"))

	pair.PumpServerToClient()

	data, ok := pair.Client.ReadMain()
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
}

func TestConnectionZeroTargetNeverReadable(t *testing.T) {
	pair := NewFakePair()
	pair.Handshake()

	pair.Server.SendMain([]byte("ignored"))
	events := pair.PumpServerToClient()

	for _, ev := range events {
		assert.NotEqual(t, FeedMainReadable, ev)
	}
	_, ok := pair.Client.ReadMain()
	assert.False(t, ok)
}

func TestConnectionTargetLargerThanOneFrame(t *testing.T) {
	pair := NewFakePair()
	pair.Handshake()

	pair.Client.SetMainTarget(10, make([]byte, 10))
	pair.Server.SendMain([]byte("01234"))
	pair.PumpServerToClient()
	_, ok := pair.Client.ReadMain()
	assert.False(t, ok, "partial frame must not be surfaced")

	pair.Server.SendMain([]byte("56789"))
	pair.PumpServerToClient()
	data, ok := pair.Client.ReadMain()
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(data))
}

func TestConnectionMidFrameFinCloses(t *testing.T) {
	pair := NewFakePair()
	pair.Handshake()

	pair.Client.SetMainTarget(100, make([]byte, 100))
	_, err := pair.serverEngine.StreamSend(MainStreamID, make([]byte, 40), true)
	require.NoError(t, err)
	pair.PumpServerToClient()

	assert.True(t, pair.Client.IsClosed())
	_, ok := pair.Client.ReadMain()
	assert.False(t, ok)
}

func TestConnectionSendQueueDrainsInOrder(t *testing.T) {
	pair := NewFakePair()
	pair.Handshake()

	pair.Server.SendMain([]byte("a"))
	pair.Server.SendMain([]byte("b"))
	pair.Server.SendMain([]byte("c"))

	pair.Client.SetMainTarget(3, make([]byte, 3))
	pair.PumpServerToClient()

	data, ok := pair.Client.ReadMain()
	require.True(t, ok)
	assert.Equal(t, "abc", string(data))
}

func TestConnectionEstablishedOnceOnly(t *testing.T) {
	pair := NewFakePair()

	_, err := pair.clientEngine.StreamSend(MainStreamID, nil, false)
	require.NoError(t, err)
	events := pair.PumpClientToServer()
	require.Contains(t, events, FeedEstablished)

	_, err = pair.clientEngine.StreamSend(MainStreamID, nil, false)
	require.NoError(t, err)
	events = pair.PumpClientToServer()
	for _, ev := range events {
		assert.NotEqual(t, FeedEstablished, ev)
	}
}

func TestSendPingIfBeforeThreshold(t *testing.T) {
	pair := NewFakePair()
	pair.Handshake()

	// Handshake already sent one ping on the client engine.
	before := pair.clientEngine.PingCount()
	sent := pair.Client.SendPingIfBefore(time.Now().Add(time.Hour))
	assert.True(t, sent)
	assert.Equal(t, before+1, pair.clientEngine.PingCount())
}
