// Package constants holds the wire-level and protocol-level constants
// shared by the pump, connection, endpoint, and config layers.
package constants

import "time"

const (
	// MaxDatagramSize is the largest UDP payload the pump will ever send or
	// accept, matching the IPv6 minimum MTU (1280) minus 48 bytes of
	// IPv6+UDP header overhead.
	MaxDatagramSize = 1232

	// MaxCIDLen is the maximum length in bytes of a QUIC connection ID.
	MaxCIDLen = 20

	// MainStreamID is the bidirectional stream used for foreground messaging.
	MainStreamID = 0

	// BackgroundStreamID is the bidirectional stream used for bulk/low
	// priority transfer.
	BackgroundStreamID = 4

	// MainStreamPriority is assigned by the client on first establishment.
	// Lower value is more urgent.
	MainStreamPriority = 100

	// BackgroundStreamPriority is assigned by the client on first
	// establishment.
	BackgroundStreamPriority = 200

	// StreamFinishedErrorCode is the application error code used to close a
	// connection when a stream's peer sends FIN before the requested frame
	// target was reached.
	StreamFinishedErrorCode = 1

	// CallbackRejectedErrorCode is the application error code used to close
	// a connection when the application's recv callback declines to set a
	// next frame target.
	CallbackRejectedErrorCode = 16
)

// Timing constants for connection lifecycle and pacing.
const (
	// KeepAliveThreshold is the default staleness window after which the
	// event loop asks a connection to emit an ack-eliciting PING.
	KeepAliveThreshold = 2 * time.Second

	// DefaultIdleTimeout is the Config.IdleTimeout that DefaultConfig fills
	// in.
	DefaultIdleTimeout = 30 * time.Second

	// MinSleep is a 50µs sleep floor. No pump backend reads it: the epoll
	// backend rounds any positive sub-millisecond wait up to 1ms and polls
	// without blocking once the deadline has passed.
	MinSleep = 50 * time.Microsecond
)

// Memory allocation constants.
const (
	// FallbackRecvBufferSize is the size of the per-stream recv buffers the
	// Handler allocates when a connection starts, and of the pump's pooled
	// datagram recv buffers and io_uring recv slots. A stream event for a
	// connection the Handler holds no buffers for is dropped; no buffer is
	// allocated for it then.
	FallbackRecvBufferSize = 4096

	// IOUringPrePostedBuffers is the number of recv buffers the
	// native-overlapped (io_uring) pump variant keeps in flight at once.
	IOUringPrePostedBuffers = 50
)

// KeyLogPath is where the first server-accepted connection's TLS key log is
// written, if the file can be created. A debug aid only.
const KeyLogPath = "security/key.log"
