package quicrtc

import (
	"net"
	"testing"

	"github.com/behrlich/go-quicrtc/internal/protoengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCallbacks struct {
	started  []uint64
	closing  []uint64
	closed   []uint64
	mainRecv [][]byte
	nextLen  int
	accept   bool
	debug    []string
}

func (f *fakeCallbacks) Tick(ep *Endpoint) bool { return false }

func (f *fakeCallbacks) ConnectionStarted(ep *Endpoint, appID uint64) {
	f.started = append(f.started, appID)
}

func (f *fakeCallbacks) ConnectionClosing(ep *Endpoint, appID uint64) {
	f.closing = append(f.closing, appID)
}

func (f *fakeCallbacks) ConnectionClosed(ep *Endpoint, appID uint64, remaining int) bool {
	f.closed = append(f.closed, appID)
	return false
}

func (f *fakeCallbacks) MainStreamRecv(ep *Endpoint, appID uint64, data []byte) (int, bool) {
	cp := append([]byte(nil), data...)
	f.mainRecv = append(f.mainRecv, cp)
	return f.nextLen, f.accept
}

func (f *fakeCallbacks) BackgroundStreamRecv(ep *Endpoint, appID uint64, data []byte) (int, bool) {
	return f.nextLen, f.accept
}

func (f *fakeCallbacks) DebugText(text string) {
	f.debug = append(f.debug, text)
}

func newTestHandler(t *testing.T) (*Handler, *Endpoint, *fakeCallbacks, *Connection) {
	t.Helper()
	ep, _ := newTestEndpointPair(t)

	cb := &fakeCallbacks{nextLen: headerSize, accept: true}
	h := NewHandler(ep, cb, nil)

	engine := protoengine.NewFakeEngine(true, ep.LocalAddr(), nil)
	conn := ep.registerAccepted(engine, &net.UDPAddr{Port: 42}, []byte("scid"))

	// Drive the real establishment transition once so the Connection's
	// establishedOnce latch is set before later Feed calls carry stream
	// data: otherwise the first data-carrying Feed would be swallowed as
	// the establishment event instead of surfacing its stream frame.
	engine.Handshake()
	conn.Feed(nil, &net.UDPAddr{Port: 42})

	return h, ep, cb, conn
}

func TestHandlerConnectionStartedSeedsHeaderTarget(t *testing.T) {
	h, _, cb, conn := newTestHandler(t)

	exit := h.dispatch(EventEstablishedOnce, conn.AppID)
	assert.False(t, exit)
	assert.Equal(t, []uint64{conn.AppID}, cb.started)

	st, ok := h.conns[conn.AppID]
	require.True(t, ok)
	assert.Len(t, st.mainBuf, 4096)
	assert.Equal(t, headerSize, conn.streams[MainStreamID].target)
}

func TestHandlerMainStreamRecvDispatchesAndAdvancesTarget(t *testing.T) {
	h, _, cb, conn := newTestHandler(t)
	h.dispatch(EventEstablishedOnce, conn.AppID)

	conn.SetMainTarget(headerSize, h.conns[conn.AppID].mainBuf)
	_, err := conn.engine.StreamSend(MainStreamID, []byte{1, 0, 5}, false)
	require.NoError(t, err)
	buf := make([]byte, MaxDatagramSize)
	n, _, _, ok := conn.NextSendPacket(buf)
	require.True(t, ok)
	ev := conn.Feed(buf[:n], &net.UDPAddr{Port: 1})
	require.Equal(t, FeedMainReadable, ev)

	cb.nextLen = 5
	exit := h.dispatch(EventMainStreamReceived, conn.AppID)
	assert.False(t, exit)
	require.Len(t, cb.mainRecv, 1)
	assert.Equal(t, []byte{1, 0, 5}, cb.mainRecv[0])
	assert.Equal(t, 5, conn.streams[MainStreamID].target)
}

func TestHandlerCallbackRejectionClosesConnection(t *testing.T) {
	h, ep, cb, conn := newTestHandler(t)
	h.dispatch(EventEstablishedOnce, conn.AppID)
	cb.accept = false

	conn.SetMainTarget(headerSize, h.conns[conn.AppID].mainBuf)
	_, err := conn.engine.StreamSend(MainStreamID, []byte{9, 9, 9}, false)
	require.NoError(t, err)
	buf := make([]byte, MaxDatagramSize)
	n, _, _, ok := conn.NextSendPacket(buf)
	require.True(t, ok)
	conn.Feed(buf[:n], &net.UDPAddr{Port: 1})

	h.dispatch(EventMainStreamReceived, conn.AppID)
	assert.True(t, conn.IsClosed())
	_ = ep
}

func TestHandlerConnectionClosedRemovesState(t *testing.T) {
	h, _, cb, conn := newTestHandler(t)
	h.dispatch(EventEstablishedOnce, conn.AppID)

	exit := h.dispatch(EventConnectionClosed, conn.AppID)
	assert.False(t, exit)
	assert.Equal(t, []uint64{conn.AppID}, cb.closed)
	_, ok := h.conns[conn.AppID]
	assert.False(t, ok)
}
