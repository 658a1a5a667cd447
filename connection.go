package quicrtc

import (
	"io"
	"net"
	"time"

	"github.com/behrlich/go-quicrtc/internal/protoengine"
)

// FeedEvent classifies what a Connection's Feed call observed, for the
// Endpoint to translate into its own event surface (§4.3).
type FeedEvent int

const (
	FeedNoUpdate FeedEvent = iota
	FeedEstablished
	FeedClosed
	FeedDraining
	FeedMainReadable
	FeedBackgroundReadable
	FeedOtherStreamReadable
)

// TimeoutOutcome classifies the result of HandlePossibleTimeout.
type TimeoutOutcome int

const (
	TimeoutNothing TimeoutOutcome = iota
	TimeoutHappened
	TimeoutClosed
	TimeoutDraining
)

type sendQueueEntry struct {
	data   []byte
	offset int
}

// streamState holds the framed-recv and queued-send bookkeeping for one of
// the two fixed application streams (§3).
type streamState struct {
	id int64

	recvBuf  []byte
	captured int
	target   int

	sendQueue []sendQueueEntry
}

func newStreamState(id int64) *streamState {
	return &streamState{id: id}
}

// ready reports whether this stream's recv frame is complete and has not
// yet been surfaced.
func (s *streamState) ready() bool {
	return s.target > 0 && s.captured >= s.target
}

// Connection adapts one protoengine.Engine instance into the framed-recv /
// queued-send contract the application uses (§4.2).
type Connection struct {
	AppID       uint64
	CurrentSCID []byte
	PeerAddr    net.Addr
	LocalAddr   net.Addr

	engine protoengine.Engine

	lastSendInstant     time.Time
	nextTimeoutInstant  time.Time
	hasNextTimeout      bool
	establishedOnce     bool
	prioritiesAssigned  bool

	streams map[int64]*streamState

	observer Observer
}

// NewConnection adapts an already-constructed engine (the result of the
// engine's own connect/accept) into a Connection. The engine's role
// (engine.IsServer) only affects whether stream priorities are proactively
// assigned once established (the client assigns them, the server accepts
// whatever the peer declares, per §4.2).
func NewConnection(appID uint64, engine protoengine.Engine, peer, local net.Addr, scid []byte, observer Observer) *Connection {
	if observer == nil {
		observer = NoOpObserver{}
	}
	return &Connection{
		AppID:       appID,
		CurrentSCID: scid,
		PeerAddr:    peer,
		LocalAddr:   local,
		engine:      engine,
		observer:    observer,
		streams: map[int64]*streamState{
			MainStreamID:       newStreamState(MainStreamID),
			BackgroundStreamID: newStreamState(BackgroundStreamID),
		},
	}
}

// NextSendPacket asks the engine for one outbound datagram. Returns
// (n, dest, sendAt, true) or (0, nil, zero, false) when the engine has
// nothing queued, in which case the connection's timeout instant is
// refreshed from the engine.
func (c *Connection) NextSendPacket(buf []byte) (int, net.Addr, time.Time, bool) {
	n, info, err := c.engine.Send(buf)
	if err != nil {
		c.refreshTimeout()
		return 0, nil, time.Time{}, false
	}
	if info.At.After(c.lastSendInstant) {
		c.lastSendInstant = info.At
	}
	return n, info.To, info.At, true
}

func (c *Connection) refreshTimeout() {
	if at, ok := c.engine.TimeoutInstant(); ok {
		c.nextTimeoutInstant = at
		c.hasNextTimeout = true
	} else {
		c.hasNextTimeout = false
	}
}

// NextTimeoutInstant returns the connection's current timeout deadline, if
// any, for the Endpoint's next-wake computation.
func (c *Connection) NextTimeoutInstant() (time.Time, bool) {
	return c.nextTimeoutInstant, c.hasNextTimeout
}

// Feed hands one inbound datagram to the engine and reclassifies state
// (§4.2 "Recv-and-advance").
func (c *Connection) Feed(buf []byte, from net.Addr) FeedEvent {
	c.PeerAddr = from
	if _, err := c.engine.Recv(buf, protoengine.RecvInfo{From: from, To: c.LocalAddr}); err != nil {
		return FeedNoUpdate
	}

	if !c.establishedOnce && c.engine.IsEstablished() {
		c.establishedOnce = true
		c.assignStreamPrioritiesIfClient()
		return FeedEstablished
	}
	if c.engine.IsClosed() {
		return FeedClosed
	}
	if c.engine.IsDraining() {
		return FeedDraining
	}

	c.drainSendQueue(MainStreamID)
	c.drainSendQueue(BackgroundStreamID)

	id, ok := c.engine.StreamReadableNext()
	if !ok {
		return FeedNoUpdate
	}
	return c.advanceReadableStream(id)
}

// assignStreamPrioritiesIfClient assigns the fixed stream priorities
// (main=100, background=200) once, and only for the peer that initiated
// the connection — the server accepts whatever the peer declares.
func (c *Connection) assignStreamPrioritiesIfClient() {
	if c.prioritiesAssigned || c.engine.IsServer() {
		return
	}
	_ = c.engine.StreamPriority(MainStreamID, MainStreamPriority, false)
	_ = c.engine.StreamPriority(BackgroundStreamID, BackgroundStreamPriority, false)
	c.prioritiesAssigned = true
}

func (c *Connection) advanceReadableStream(id int64) FeedEvent {
	if id != MainStreamID && id != BackgroundStreamID {
		return FeedOtherStreamReadable
	}

	s := c.streams[id]
	if s.target == 0 {
		// Not considered readable until the application sets a target.
		return FeedNoUpdate
	}
	if s.ready() {
		// Already complete and not yet surfaced by the caller; don't
		// re-read until ReadMain/ReadBackground consumes it.
		return feedReadyEvent(id)
	}

	want := s.target - s.captured
	tmp := make([]byte, want)
	n, fin, err := c.engine.StreamRecv(id, tmp)
	if err != nil {
		return FeedNoUpdate
	}
	copy(s.recvBuf[s.captured:], tmp[:n])
	s.captured += n
	c.observer.ObserveStreamFrame(id)

	if fin && !s.ready() {
		reason := "Stream0Finished"
		if id == BackgroundStreamID {
			reason = "Stream4Finished"
		}
		_ = c.Close(StreamFinishedErrorCode, reason)
		return FeedClosed
	}

	if s.ready() {
		return feedReadyEvent(id)
	}
	return FeedNoUpdate
}

func feedReadyEvent(id int64) FeedEvent {
	if id == MainStreamID {
		return FeedMainReadable
	}
	return FeedBackgroundReadable
}

// HandlePossibleTimeout re-reads the engine's timeout and, if it has
// genuinely elapsed, advances the engine and reclassifies (§4.2).
func (c *Connection) HandlePossibleTimeout(now time.Time) TimeoutOutcome {
	at, ok := c.engine.TimeoutInstant()
	if !ok || at.After(now) {
		c.nextTimeoutInstant = at
		c.hasNextTimeout = ok
		return TimeoutNothing
	}

	c.engine.OnTimeout()
	c.refreshTimeout()

	if c.engine.IsClosed() {
		return TimeoutClosed
	}
	if c.engine.IsDraining() {
		return TimeoutDraining
	}
	return TimeoutHappened
}

// SendPingIfBefore queues a keep-alive ack-eliciting frame if the
// connection has been silent since before `instant` (§4.2).
func (c *Connection) SendPingIfBefore(instant time.Time) bool {
	if c.lastSendInstant.After(instant) {
		return false
	}
	if err := c.engine.SendAckEliciting(); err != nil {
		return false
	}
	c.observer.ObservePing()
	return true
}

// SendMain appends data to the main stream's send queue and attempts an
// immediate drain, returning the number of bytes the engine accepted now.
func (c *Connection) SendMain(data []byte) int {
	return c.enqueueSend(MainStreamID, data)
}

// SendBackground is SendMain for the background stream.
func (c *Connection) SendBackground(data []byte) int {
	return c.enqueueSend(BackgroundStreamID, data)
}

func (c *Connection) enqueueSend(id int64, data []byte) int {
	s := c.streams[id]
	cp := make([]byte, len(data))
	copy(cp, data)
	s.sendQueue = append(s.sendQueue, sendQueueEntry{data: cp})
	return c.drainSendQueue(id)
}

// drainSendQueue pushes as much of the stream's queued send data into the
// engine as it will accept, stopping at the engine's "would block".
func (c *Connection) drainSendQueue(id int64) int {
	s := c.streams[id]
	accepted := 0
	for len(s.sendQueue) > 0 {
		entry := &s.sendQueue[0]
		remaining := entry.data[entry.offset:]
		n, err := c.engine.StreamSend(id, remaining, false)
		accepted += n
		entry.offset += n
		if entry.offset >= len(entry.data) {
			s.sendQueue = s.sendQueue[1:]
		}
		if err != nil || n < len(remaining) {
			break
		}
	}
	return accepted
}

// SetMainTarget resets the main stream's recv frame target (§4.2).
func (c *Connection) SetMainTarget(n int, buf []byte) {
	c.setTarget(MainStreamID, n, buf)
}

// SetBackgroundTarget is SetMainTarget for the background stream.
func (c *Connection) SetBackgroundTarget(n int, buf []byte) {
	c.setTarget(BackgroundStreamID, n, buf)
}

func (c *Connection) setTarget(id int64, n int, buf []byte) {
	s := c.streams[id]
	if cap(buf) < n {
		grown := make([]byte, n)
		copy(grown, buf)
		buf = grown
	}
	s.recvBuf = buf[:n]
	s.captured = 0
	s.target = n
}

// ReadMain returns the completed main-stream frame, if ready, transferring
// buffer ownership to the caller.
func (c *Connection) ReadMain() ([]byte, bool) {
	return c.read(MainStreamID)
}

// ReadBackground is ReadMain for the background stream.
func (c *Connection) ReadBackground() ([]byte, bool) {
	return c.read(BackgroundStreamID)
}

func (c *Connection) read(id int64) ([]byte, bool) {
	s := c.streams[id]
	if s.ready() {
		out := s.recvBuf[:s.target]
		s.recvBuf = nil
		s.captured = 0
		s.target = 0
		return out, true
	}

	if s.target == 0 {
		return nil, false
	}
	want := s.target - s.captured
	tmp := make([]byte, want)
	n, fin, err := c.engine.StreamRecv(id, tmp)
	if err != nil && err != io.EOF {
		return nil, false
	}
	copy(s.recvBuf[s.captured:], tmp[:n])
	s.captured += n
	if fin && !s.ready() {
		_ = c.Close(StreamFinishedErrorCode, "StreamFinished")
		return nil, false
	}
	if s.ready() {
		out := s.recvBuf[:s.target]
		s.recvBuf = nil
		s.captured = 0
		s.target = 0
		return out, true
	}
	return nil, false
}

// Close instructs the engine to begin a graceful CONNECTION_CLOSE.
func (c *Connection) Close(code uint64, reason string) error {
	return c.engine.Close(true, code, reason)
}

// IsEstablished, IsClosed, IsDraining expose the underlying engine state.
func (c *Connection) IsEstablished() bool { return c.engine.IsEstablished() }
func (c *Connection) IsClosed() bool      { return c.engine.IsClosed() }
func (c *Connection) IsDraining() bool    { return c.engine.IsDraining() }
