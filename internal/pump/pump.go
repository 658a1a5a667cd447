// Package pump implements the UDP datagram pump (spec §4.1): a
// transport-agnostic send scheduler and recv buffer pool sitting on top of a
// platform-specific Socket. The Pump owns no protocol knowledge; it only
// moves bytes and paces when they leave.
package pump

import (
	"errors"
	"net"
	"time"
)

// ErrTimeout is returned by Socket.RecvFrom (and so by Pump.WaitUntilRecv)
// when no datagram arrived before the deadline.
var ErrTimeout = errors.New("pump: recv deadline exceeded")

// errShortSend means a UDP send_to wrote fewer bytes than requested, which
// per UDP semantics means the datagram was not actually delivered.
var errShortSend = errors.New("pump: short send, datagram not delivered")

// Socket is the platform-specific transport a Pump drives. Implementations
// live in pump_linux.go (epoll), pump_iouring_linux.go (io_uring) and
// pump_generic.go (net.UDPConn fallback).
type Socket interface {
	LocalAddr() net.Addr
	// RecvFrom blocks until a datagram arrives or deadline elapses. A zero
	// deadline means block forever.
	RecvFrom(buf []byte, deadline time.Time) (int, net.Addr, error)
	SendTo(buf []byte, to net.Addr) (int, error)
	Close() error
}

// Config configures a Pump's buffering; the socket itself is constructed by
// the platform-specific constructor (Listen/Dial) and passed in.
type Config struct {
	RecvBufferSize int
}

// Pump binds a Socket to a pacing scheduler and a pooled-buffer recv path.
type Pump struct {
	sock    Socket
	sched   *scheduler
	bufPool *datagramPool
}

// New wraps sock in a Pump using the given recv buffer size.
func New(sock Socket, recvBufferSize int) *Pump {
	return &Pump{
		sock:    sock,
		sched:   newScheduler(),
		bufPool: newDatagramPool(recvBufferSize),
	}
}

// LocalAddr returns the bound local address.
func (p *Pump) LocalAddr() net.Addr { return p.sock.LocalAddr() }

// Send emits data to `to`, immediately if deadline is not in the future,
// or scheduled for later otherwise. Returns true if sent immediately, false
// if deferred to the pacing heap. data is copied before deferral; the
// caller's slice may be reused immediately either way.
func (p *Pump) Send(data []byte, to net.Addr, deadline time.Time) (bool, error) {
	if deadline.IsZero() || !deadline.After(time.Now()) {
		n, err := p.sock.SendTo(data, to)
		if err != nil {
			return false, err
		}
		if n != len(data) {
			return false, errShortSend
		}
		return true, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.sched.Schedule(deadline, to, cp)
	return false, nil
}

// DrainDue sends every scheduled datagram whose deadline has elapsed at
// `now`, returning how many were sent. It stops and returns the first send
// error, leaving the remaining due entries scheduled for the next call.
func (p *Pump) DrainDue(now time.Time) (int, error) {
	due := p.sched.DrainDue(now)
	sent := 0
	for _, d := range due {
		if _, err := p.sock.SendTo(d.data, d.to); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// EarliestScheduled reports the due time of the next paced send, if any.
// The caller (Endpoint) folds this into its overall next-wake computation.
func (p *Pump) EarliestScheduled() (time.Time, bool) {
	return p.sched.EarliestDue()
}

// PendingScheduled reports how many sends are queued and not yet due.
func (p *Pump) PendingScheduled() int { return p.sched.Len() }

// WaitUntilRecv blocks for the next inbound datagram, up to deadline (zero
// means forever), and returns a pooled buffer sized to the datagram. The
// caller must call ReleaseBuffer on it once done (Endpoint.RecvOne does so
// with a deferred call).
func (p *Pump) WaitUntilRecv(deadline time.Time) ([]byte, net.Addr, error) {
	buf := p.bufPool.Get()
	n, from, err := p.sock.RecvFrom(buf, deadline)
	if err != nil {
		p.bufPool.Put(buf)
		return nil, nil, err
	}
	return buf[:n], from, nil
}

// ReleaseBuffer returns a buffer obtained from WaitUntilRecv to the pool.
func (p *Pump) ReleaseBuffer(buf []byte) {
	p.bufPool.Put(buf[:cap(buf)])
}

// Close releases the underlying socket.
func (p *Pump) Close() error {
	return p.sock.Close()
}
