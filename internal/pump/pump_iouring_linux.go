//go:build linux

package pump

import (
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-quicrtc/internal/constants"
)

// bufState mirrors the queue package's per-tag ownership states
// (internal/queue/runner.go's TagState): a pre-posted recv buffer is either
// owned by the kernel (a recvfrom SQE is in flight for it) or owned by the
// caller (its datagram is ready to be read). There is no in-flight-commit
// state here because UDP recv, unlike ublk's COMMIT_AND_FETCH_REQ, has
// nothing to write back to the kernel.
type bufState int

const (
	bufStateInFlight bufState = iota
	bufStateOwned
)

// uringSocket is the completion-driven Socket backend: constants.
// IOUringPrePostedBuffers recv buffers are submitted up front, and each
// completion both delivers one datagram and re-arms its slot, the same
// perpetual-motion shape as runner.go's FETCH_REQ -> COMMIT_AND_FETCH_REQ
// cycle, simplified to a single recv-and-rearm step per slot.
type uringSocket struct {
	fd    int
	local net.Addr
	ring  *giouring.Ring

	mu      sync.Mutex
	states  []bufState
	bufs    [][]byte
	addrs   []unix.RawSockaddrAny
	addrLen []uint32
	ready   []int // indices of slots whose datagram is waiting to be consumed
}

// ListenIOUring opens a non-blocking UDP socket on addr and drives it with
// an io_uring instance using pre-posted, self-rearming recv buffers instead
// of epoll readiness polling.
func ListenIOUring(addr string) (Socket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, udpAddrToSockaddr(laddr)); err != nil {
		unix.Close(fd)
		return nil, err
	}

	ring, err := giouring.CreateRing(256)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create io_uring: %w", err)
	}

	n := constants.IOUringPrePostedBuffers
	s := &uringSocket{
		fd:      fd,
		ring:    ring,
		states:  make([]bufState, n),
		bufs:    make([][]byte, n),
		addrs:   make([]unix.RawSockaddrAny, n),
		addrLen: make([]uint32, n),
	}
	for i := 0; i < n; i++ {
		s.bufs[i] = make([]byte, constants.FallbackRecvBufferSize)
	}

	local, err := sockaddrToUDPAddr(fd)
	if err != nil {
		local = laddr
	}
	s.local = local

	if err := s.armAll(); err != nil {
		ring.QueueExit()
		unix.Close(fd)
		return nil, err
	}

	return s, nil
}

// armAll submits a recvfrom SQE for every slot not currently in flight.
func (s *uringSocket) armAll() error {
	for tag := 0; tag < len(s.bufs); tag++ {
		if s.states[tag] == bufStateInFlight {
			continue
		}
		if err := s.arm(tag); err != nil {
			return err
		}
	}
	if _, err := s.ring.Submit(); err != nil {
		return fmt.Errorf("submit recv buffers: %w", err)
	}
	return nil
}

func (s *uringSocket) arm(tag int) error {
	sqe := s.ring.GetSQE()
	if sqe == nil {
		return fmt.Errorf("pump: io_uring submission queue full arming tag %d", tag)
	}
	s.addrLen[tag] = uint32(unsafe.Sizeof(s.addrs[tag]))
	sqe.PrepareRecvFrom(uint64(s.fd), s.bufs[tag], 0, &s.addrs[tag], &s.addrLen[tag])
	sqe.UserData = uint64(tag)
	s.states[tag] = bufStateInFlight
	return nil
}

// RecvFrom waits for the next completed recv slot, copies its datagram into
// buf, then immediately re-arms the slot for the kernel.
func (s *uringSocket) RecvFrom(buf []byte, deadline time.Time) (int, net.Addr, error) {
	s.mu.Lock()
	if len(s.ready) > 0 {
		tag := s.ready[0]
		s.ready = s.ready[1:]
		s.mu.Unlock()
		return s.consume(tag, buf)
	}
	s.mu.Unlock()

	var ts *unix.Timespec
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		t := unix.NsecToTimespec(d.Nanoseconds())
		ts = &t
	}

	cqe, err := s.ring.WaitCQETimeout(ts)
	if err != nil {
		if err == unix.ETIME {
			return 0, nil, ErrTimeout
		}
		return 0, nil, err
	}
	tag := int(cqe.UserData)
	result := cqe.Res
	s.ring.CQESeen(cqe)

	if result < 0 {
		_ = s.arm(tag)
		_, _ = s.ring.Submit()
		return 0, nil, fmt.Errorf("pump: io_uring recv failed: errno %d", -result)
	}

	s.mu.Lock()
	s.states[tag] = bufStateOwned
	s.mu.Unlock()

	out := buf
	if int(result) < len(out) {
		out = out[:result]
	}
	n, from, err := s.consume(tag, out)
	return n, from, err
}

func (s *uringSocket) consume(tag int, out []byte) (int, net.Addr, error) {
	s.mu.Lock()
	n := copy(out, s.bufs[tag])
	from := rawSockaddrToNetAddr(&s.addrs[tag])
	err := s.arm(tag)
	s.mu.Unlock()
	if err != nil {
		return 0, nil, err
	}
	if _, err := s.ring.Submit(); err != nil {
		return 0, nil, err
	}
	return n, from, nil
}

func (s *uringSocket) LocalAddr() net.Addr { return s.local }

func (s *uringSocket) SendTo(buf []byte, to net.Addr) (int, error) {
	udpAddr, ok := to.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", to.String())
		if err != nil {
			return 0, err
		}
		udpAddr = resolved
	}
	if err := unix.Sendto(s.fd, buf, 0, udpAddrToSockaddr(udpAddr)); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (s *uringSocket) Close() error {
	s.ring.QueueExit()
	return unix.Close(s.fd)
}

func rawSockaddrToNetAddr(raw *unix.RawSockaddrAny) net.Addr {
	switch raw.Addr.Family {
	case unix.AF_INET:
		sa4 := (*unix.RawSockaddrInet4)(unsafe.Pointer(raw))
		port := int(sa4.Port>>8) | int(sa4.Port&0xff)<<8
		return &net.UDPAddr{IP: net.IP(sa4.Addr[:]), Port: port}
	case unix.AF_INET6:
		sa6 := (*unix.RawSockaddrInet6)(unsafe.Pointer(raw))
		port := int(sa6.Port>>8) | int(sa6.Port&0xff)<<8
		return &net.UDPAddr{IP: net.IP(sa6.Addr[:]), Port: port}
	}
	return nil
}
