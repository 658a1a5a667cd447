package quicrtc

import (
	"net"

	"github.com/behrlich/go-quicrtc/internal/protoengine"
)

// FakePair wires two in-memory Connections together over a pair of
// protoengine.FakeEngine instances, so tests can drive a handshake and
// stream exchange without a real socket or TLS stack. It mirrors the
// relationship Endpoint.DrainOutbound/Connection.Feed have with a real
// transport: bytes one side's engine emits are handed directly to the
// other side's Feed.
type FakePair struct {
	Client *Connection
	Server *Connection

	clientEngine *protoengine.FakeEngine
	serverEngine *protoengine.FakeEngine
}

// NewFakePair builds a client/server Connection pair backed by FakeEngines,
// with distinct loopback addresses and app ids 1 (client) and 2 (server).
func NewFakePair() *FakePair {
	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 10000}
	serverAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 10001}

	clientEngine := protoengine.NewFakeEngine(false, clientAddr, serverAddr)
	serverEngine := protoengine.NewFakeEngine(true, serverAddr, clientAddr)

	client := NewConnection(1, clientEngine, serverAddr, clientAddr, []byte("client-scid"), NoOpObserver{})
	server := NewConnection(2, serverEngine, clientAddr, serverAddr, []byte("server-scid"), NoOpObserver{})

	return &FakePair{Client: client, Server: server, clientEngine: clientEngine, serverEngine: serverEngine}
}

// Handshake marks both engines established and then exchanges one no-op
// ping packet in each direction so both Connections observe and consume
// their one-time FeedEstablished transition. Without this, the first real
// Feed call after a bare engine.Handshake() would swallow that call's
// application data as the establishment event instead of surfacing it.
func (p *FakePair) Handshake() {
	p.clientEngine.Handshake()
	p.serverEngine.Handshake()

	_ = p.clientEngine.SendAckEliciting()
	p.PumpClientToServer()
	_ = p.serverEngine.SendAckEliciting()
	p.PumpServerToClient()
}

// PumpClientToServer drains every packet the client's engine has queued and
// feeds each into the server Connection, returning the FeedEvents observed
// in order.
func (p *FakePair) PumpClientToServer() []FeedEvent {
	return pumpOnce(p.Client, p.Server)
}

// PumpServerToClient is PumpClientToServer in the other direction.
func (p *FakePair) PumpServerToClient() []FeedEvent {
	return pumpOnce(p.Server, p.Client)
}

func pumpOnce(from, to *Connection) []FeedEvent {
	var events []FeedEvent
	buf := make([]byte, MaxDatagramSize)
	for {
		n, _, _, ok := from.NextSendPacket(buf)
		if !ok {
			break
		}
		events = append(events, to.Feed(buf[:n], from.LocalAddr))
	}
	return events
}

// PumpUntilQuiet alternates PumpClientToServer/PumpServerToClient until
// neither side has anything left to emit, or maxRounds is reached (a safety
// bound against an accidental infinite ping-pong in a test scenario).
func (p *FakePair) PumpUntilQuiet(maxRounds int) {
	for i := 0; i < maxRounds; i++ {
		a := p.PumpClientToServer()
		b := p.PumpServerToClient()
		if len(a) == 0 && len(b) == 0 {
			return
		}
	}
}
