//go:build !linux

package pump

import (
	"net"
	"time"
)

// netSocket is the portable Socket implementation for platforms without an
// epoll or io_uring backend, built directly on net.UDPConn.
type netSocket struct {
	conn *net.UDPConn
}

// Listen opens a UDP socket bound to addr ("" or ":0" picks an ephemeral
// port for a client-role pump).
func Listen(addr string) (Socket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &netSocket{conn: conn}, nil
}

func (s *netSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *netSocket) RecvFrom(buf []byte, deadline time.Time) (int, net.Addr, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, ErrTimeout
		}
		return 0, nil, err
	}
	return n, from, nil
}

func (s *netSocket) SendTo(buf []byte, to net.Addr) (int, error) {
	udpAddr, ok := to.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", to.String())
		if err != nil {
			return 0, err
		}
		udpAddr = resolved
	}
	return s.conn.WriteToUDP(buf, udpAddr)
}

func (s *netSocket) Close() error { return s.conn.Close() }
