package quicrtc

import (
	"net"

	"github.com/behrlich/go-quicrtc/internal/cid"
	"github.com/behrlich/go-quicrtc/internal/constants"
	"github.com/behrlich/go-quicrtc/internal/protoengine"
)

// QuicGoAccept builds an AcceptFunc backed by the real quic-go engine
// (internal/protoengine.QuicGoEngine), for use with NewServer/Handler in
// place of a FakeEngine-based accept function used in tests. cfg must be a
// server config (cfg.IsServer()).
//
// Routing caveat: Endpoint demultiplexes inbound datagrams by matching the
// wire header's DCID against the SCID this module assigned at accept time
// (DeriveSCID). quic-go negotiates and rotates its own connection IDs once a
// handshake completes, independent of that value, so post-handshake packets
// for a quic-go-backed connection are only routable here as long as quic-go
// keeps using the CID it was first reached on. A production deployment
// wanting active connection migration support would need to surface quic-go's
// chosen CIDs back into Endpoint's registry; out of scope for this adapter.
func QuicGoAccept(local net.Addr, cfg Config) (AcceptFunc, error) {
	tlsConf, err := cfg.buildTLSConfig()
	if err != nil {
		return nil, err
	}
	quicConf := cfg.buildQUICConfig(true)

	return func(scid []byte, peer net.Addr, firstDatagram []byte) (protoengine.Engine, error) {
		return protoengine.NewQuicGoServerAccept(local, peer, tlsConf, quicConf, firstDatagram)
	}, nil
}

// DialQuicGo initiates a client connection to peer using the real quic-go
// engine, registers it with ep, and returns the resulting Connection. The
// handshake itself runs in the background; the caller drives it to
// completion the same way it drives any other connection, by pumping
// Endpoint.RecvOne/HandleTimeouts and watching for EventEstablishedOnce.
func DialQuicGo(ep *Endpoint, peer net.Addr, cfg Config) (*Connection, error) {
	tlsConf, err := cfg.buildTLSConfig()
	if err != nil {
		return nil, err
	}
	quicConf := cfg.buildQUICConfig(false)

	engine, err := protoengine.DialQuicGo(ep.LocalAddr(), peer, tlsConf, quicConf)
	if err != nil {
		return nil, WrapError("dial_quic_go", err)
	}

	scid, err := randomClientSCID()
	if err != nil {
		return nil, err
	}
	conn := ep.Connect(engine, peer, scid)
	if err := ep.DrainOutbound(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func randomClientSCID() ([]byte, error) {
	return cid.NewRandom(constants.MaxCIDLen)
}
