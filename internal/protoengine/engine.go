// Package protoengine defines the sans-I/O contract the rest of this module
// drives a QUIC protocol engine through (spec §6.2). The core — Pump,
// Connection, Endpoint, Handler — depends only on the Engine interface here;
// the choice of underlying engine is an external collaborator (see
// quicgo.go for the concrete adapter, and fake.go for the in-memory
// FakeEngine the tests drive).
package protoengine

import (
	"errors"
	"net"
	"time"
)

// ErrNoPacket is returned by Send when the engine currently has nothing to
// emit. It is the sans-I/O analog of Rust's None return.
var ErrNoPacket = errors.New("protoengine: no packet to send")

// ErrWouldBlock is returned by StreamSend when the engine's flow-control
// window is exhausted; the caller should stop draining that stream's queue
// until more capacity opens up.
var ErrWouldBlock = errors.New("protoengine: stream send would block")

// RecvInfo carries the metadata an engine needs to process one inbound
// datagram.
type RecvInfo struct {
	From net.Addr
	To   net.Addr
}

// SendInfo describes one outbound datagram's destination and pacing
// deadline. At may be in the past, meaning "send immediately".
type SendInfo struct {
	To net.Addr
	At time.Time
}

// Engine is the minimal set of primitives a QUIC protocol implementation
// must expose for this module's Connection wrapper to drive it without
// owning any I/O or threads of its own.
type Engine interface {
	// Recv feeds one inbound datagram (already trimmed to its actual
	// length) into the engine. Returns the number of bytes consumed.
	Recv(buf []byte, info RecvInfo) (int, error)

	// Send asks the engine for the next outbound datagram. Returns
	// ErrNoPacket when the engine has nothing queued.
	Send(buf []byte) (int, SendInfo, error)

	// TimeoutInstant reports the next instant at which OnTimeout must be
	// invoked, if any.
	TimeoutInstant() (time.Time, bool)

	// OnTimeout advances internal engine state after TimeoutInstant has
	// elapsed.
	OnTimeout()

	IsEstablished() bool
	IsClosed() bool
	IsDraining() bool
	IsServer() bool

	// StreamSend submits bytes to a bidirectional stream. fin marks the
	// final call for that stream. Returns the number of bytes accepted,
	// which may be less than len(data).
	StreamSend(id int64, data []byte, fin bool) (int, error)

	// StreamRecv reads from a readable stream into buf. Returns bytes read
	// and whether the stream has reached FIN.
	StreamRecv(id int64, buf []byte) (int, bool, error)

	// StreamPriority hints the engine's packet scheduler. Lower urgency
	// values are sent first.
	StreamPriority(id int64, urgency int, incremental bool) error

	// StreamReadableNext returns one stream id with data ready to read, if
	// any.
	StreamReadableNext() (int64, bool)

	// SendAckEliciting queues a frame (e.g. PING) that forces the peer to
	// acknowledge, used for idle keep-alive.
	SendAckEliciting() error

	// Close begins a graceful CONNECTION_CLOSE with the given application
	// error code and reason.
	Close(appErr bool, code uint64, reason string) error
}
