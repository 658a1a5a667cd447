package protoengine

import (
	"encoding/binary"
	"errors"
	"net"
	"time"
)

// FakeEngine is an in-memory Engine used to exercise Connection, Endpoint
// and Handler logic without a real QUIC stack. It speaks a tiny private
// wire format over its outbox/Recv pair (a 10-byte stream-frame header, or
// a 1-byte ping), so a test drives two paired FakeEngines by copying the
// bytes one side's Send produces into the other side's Recv, exactly the
// way Endpoint.DrainOutbound/Connection.Feed do for a real transport.
type FakeEngine struct {
	server  bool
	peer    net.Addr
	self    net.Addr
	outbox  [][]byte
	streams map[int64]*fakeStream

	established bool
	closed      bool
	draining    bool

	timeoutAt  time.Time
	hasTimeout bool

	pings int
}

type fakeStream struct {
	id       int64
	inbox    []byte
	fin      bool
	priority int
}

// Fake wire packet types.
const (
	packetTypeStream byte = iota
	packetTypePing
)

var errShortFakeFrame = errors.New("protoengine: short fake stream frame")

// NewFakeEngine creates a fake engine. server marks it as playing the
// server role (IsServer), self/peer are the addresses reported in SendInfo.
func NewFakeEngine(server bool, self, peer net.Addr) *FakeEngine {
	return &FakeEngine{
		server:  server,
		self:    self,
		peer:    peer,
		streams: make(map[int64]*fakeStream),
	}
}

// Handshake marks the fake engine as established immediately, bypassing any
// simulated handshake exchange. Useful for stream-layer-only tests.
func (e *FakeEngine) Handshake() {
	e.established = true
}

// QueueInbound stages a raw datagram for Send to emit next, as if this
// engine already had it queued outbound. Useful for injecting a
// pre-built handshake or stream-frame packet directly.
func (e *FakeEngine) QueueInbound(data []byte) {
	e.outbox = append(e.outbox, append([]byte(nil), data...))
}

func (e *FakeEngine) Recv(buf []byte, info RecvInfo) (int, error) {
	if len(buf) > 0 {
		switch buf[0] {
		case packetTypeStream:
			if len(buf) < 10 {
				return 0, errShortFakeFrame
			}
			fin := buf[1] != 0
			id := int64(binary.BigEndian.Uint64(buf[2:10]))
			s := e.stream(id)
			s.inbox = append(s.inbox, buf[10:]...)
			if fin {
				s.fin = true
			}
		case packetTypePing:
			// keep-alive, nothing to update
		}
	}
	if !e.established {
		e.established = true
	}
	return len(buf), nil
}

func (e *FakeEngine) Send(buf []byte) (int, SendInfo, error) {
	if len(e.outbox) == 0 {
		return 0, SendInfo{}, ErrNoPacket
	}
	next := e.outbox[0]
	e.outbox = e.outbox[1:]
	n := copy(buf, next)
	return n, SendInfo{To: e.peer, At: time.Now()}, nil
}

func (e *FakeEngine) TimeoutInstant() (time.Time, bool) {
	return e.timeoutAt, e.hasTimeout
}

func (e *FakeEngine) OnTimeout() {
	e.hasTimeout = false
	if !e.established {
		e.closed = true
	}
}

// SetTimeout is a test helper letting a scenario schedule the next fake
// timeout explicitly.
func (e *FakeEngine) SetTimeout(at time.Time) {
	e.timeoutAt = at
	e.hasTimeout = true
}

func (e *FakeEngine) IsEstablished() bool { return e.established && !e.closed }
func (e *FakeEngine) IsClosed() bool      { return e.closed }
func (e *FakeEngine) IsDraining() bool    { return e.draining }
func (e *FakeEngine) IsServer() bool      { return e.server }

func (e *FakeEngine) stream(id int64) *fakeStream {
	s, ok := e.streams[id]
	if !ok {
		s = &fakeStream{id: id}
		e.streams[id] = s
	}
	return s
}

func (e *FakeEngine) StreamSend(id int64, data []byte, fin bool) (int, error) {
	packet := make([]byte, 10+len(data))
	packet[0] = packetTypeStream
	if fin {
		packet[1] = 1
	}
	binary.BigEndian.PutUint64(packet[2:10], uint64(id))
	copy(packet[10:], data)
	e.outbox = append(e.outbox, packet)
	return len(data), nil
}

func (e *FakeEngine) StreamRecv(id int64, buf []byte) (int, bool, error) {
	s := e.stream(id)
	n := copy(buf, s.inbox)
	s.inbox = s.inbox[n:]
	fin := s.fin && len(s.inbox) == 0
	return n, fin, nil
}

func (e *FakeEngine) StreamPriority(id int64, urgency int, incremental bool) error {
	e.stream(id).priority = urgency
	return nil
}

func (e *FakeEngine) StreamReadableNext() (int64, bool) {
	for id, s := range e.streams {
		if len(s.inbox) > 0 {
			return id, true
		}
	}
	return 0, false
}

func (e *FakeEngine) SendAckEliciting() error {
	e.pings++
	e.outbox = append(e.outbox, []byte{packetTypePing})
	return nil
}

func (e *FakeEngine) Close(appErr bool, code uint64, reason string) error {
	e.draining = true
	e.closed = true
	return nil
}

// PingCount reports how many SendAckEliciting calls were made, for test
// assertions.
func (e *FakeEngine) PingCount() int { return e.pings }

var _ Engine = (*FakeEngine)(nil)
