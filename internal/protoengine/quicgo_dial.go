package protoengine

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

// acceptTimeout bounds how long a server waits for quic-go to finish
// processing the handshake flight before giving up on a half-open attempt.
const acceptTimeout = 10 * time.Second

// NewQuicGoServerAccept builds a server-side QuicGoEngine for a connection
// attempt that just announced itself with firstDatagram. It owns a private
// bridgeConn and quic.Transport (one per connection, mirroring how the rest
// of this module already demultiplexes by SCID before an engine ever sees a
// datagram — see Endpoint.ClassifyAndLookup), seeds the Initial datagram into
// that bridge, and starts listening. The returned engine is usable
// immediately: Recv/Send work right away, and IsEstablished only flips true
// once quic-go's own Listener.Accept resolves in the background.
func NewQuicGoServerAccept(local, peer net.Addr, tlsConf *tls.Config, quicConf *quic.Config, firstDatagram []byte) (*QuicGoEngine, error) {
	pconn := newBridgeConn(local)

	tr := &quic.Transport{Conn: pconn}
	listener, err := tr.Listen(tlsConf, quicConf)
	if err != nil {
		return nil, err
	}

	e := &QuicGoEngine{server: true, pconn: pconn, transport: tr, streams: make(map[int64]*quicGoStream)}

	cp := append([]byte(nil), firstDatagram...)
	select {
	case pconn.inbound <- datagram{data: cp, addr: peer}:
	default:
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
		defer cancel()
		conn, acceptErr := listener.Accept(ctx)
		e.setConn(conn, acceptErr)
	}()

	return e, nil
}

// DialQuicGo builds a client-side QuicGoEngine that initiates a connection
// to peer, via the package-level quic.Dial taking our bridgeConn directly as
// the net.PacketConn (bridgeConn already satisfies that interface). Like
// NewQuicGoServerAccept, the handshake runs in the background (quic.Dial
// blocks until it completes) so the caller can start feeding datagrams
// through Recv/Send right away instead of blocking the whole event loop on a
// single connection attempt.
func DialQuicGo(local, peer net.Addr, tlsConf *tls.Config, quicConf *quic.Config) (*QuicGoEngine, error) {
	pconn := newBridgeConn(local)

	e := &QuicGoEngine{server: false, pconn: pconn, streams: make(map[int64]*quicGoStream)}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
		defer cancel()
		conn, dialErr := quic.Dial(ctx, pconn, peer, tlsConf, quicConf)
		e.setConn(conn, dialErr)
	}()

	return e, nil
}
