//go:build linux

package pump

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// epollSocket is the readiness-driven Socket backend: a non-blocking UDP
// socket polled with epoll, mirroring how a Windows IOCP-vs-Linux-epoll
// split would look (spec §9) on the "readiness" side of that split. See
// pump_iouring_linux.go for the completion-driven counterpart.
type epollSocket struct {
	fd       int
	epfd     int
	local    net.Addr
}

// Listen opens a non-blocking UDP socket on addr and registers it with a
// fresh epoll instance. addr == "" picks an ephemeral port.
func Listen(addr string) (Socket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	family := unix.AF_INET6
	if laddr.IP.To4() != nil {
		family = unix.AF_INET
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	sa := udpAddrToSockaddr(laddr)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(fd)
		return nil, err
	}

	local, err := sockaddrToUDPAddr(fd)
	if err != nil {
		local = laddr
	}

	return &epollSocket{fd: fd, epfd: epfd, local: local}, nil
}

func (s *epollSocket) LocalAddr() net.Addr { return s.local }

func (s *epollSocket) RecvFrom(buf []byte, deadline time.Time) (int, net.Addr, error) {
	timeoutMs := -1
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			timeoutMs = 0
		} else {
			timeoutMs = int(d.Milliseconds())
			if timeoutMs == 0 {
				timeoutMs = 1
			}
		}
	}

	events := make([]unix.EpollEvent, 1)
	n, err := unix.EpollWait(s.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil, ErrTimeout
		}
		return 0, nil, err
	}
	if n == 0 {
		return 0, nil, ErrTimeout
	}

	read, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return 0, nil, err
	}
	return read, sockaddrToNetAddr(from), nil
}

func (s *epollSocket) SendTo(buf []byte, to net.Addr) (int, error) {
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

func (s *epollSocket) Close() error {
	unix.Close(s.epfd)
	return unix.Close(s.fd)
}

func udpAddrToSockaddr(addr *net.UDPAddr) unix.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa
	}
	var sa unix.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], addr.IP.To16())
	return &sa
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	}
	return nil
}

func sockaddrToUDPAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return sockaddrToNetAddr(sa), nil
}
