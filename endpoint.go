package quicrtc

import (
	"net"
	"time"

	"github.com/behrlich/go-quicrtc/internal/cid"
	"github.com/behrlich/go-quicrtc/internal/constants"
	"github.com/behrlich/go-quicrtc/internal/protoengine"
	"github.com/behrlich/go-quicrtc/internal/pump"
	"github.com/behrlich/go-quicrtc/internal/wire"
)

// Event is the Endpoint's event surface, enumerated in full per §4.3.
type Event int

const (
	EventNextTick Event = iota
	EventReceivedData
	EventDoneReceiving
	EventMainStreamReceived
	EventBackgroundStreamReceived
	EventEstablishedOnce
	EventConnectionClosing
	EventConnectionClosed
	EventNoUpdate
	EventAlreadyHandled
)

// Role distinguishes a server endpoint (derives SCIDs, accepts connections)
// from a client endpoint (initiates connections, never derives SCIDs).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// AcceptFunc builds a protoengine.Engine for a new server-side connection
// triggered by an Initial datagram from a previously unseen DCID. It is
// supplied by the Handler, which owns the concrete engine construction
// (quic-go TLS config, transport, etc.) — Endpoint itself stays engine
// agnostic.
type AcceptFunc func(scid []byte, peer net.Addr, firstDatagram []byte) (protoengine.Engine, error)

// Endpoint is the top-level owner: registry of connections, pump, config,
// and (server-only) the HMAC seed key for SCID derivation (§4.3).
type Endpoint struct {
	role     Role
	config   Config
	pump     *pump.Pump
	observer Observer

	seedKey []byte // server only

	connsByAppID map[uint64]*Connection
	connsBySCID  map[string]*Connection
	order        []uint64 // insertion order, for linear scan / iteration
	nextAppID    uint64

	tickPeriod      time.Duration
	nextTickInstant time.Time
}

func newEndpoint(role Role, config Config, p *pump.Pump, observer Observer) *Endpoint {
	if observer == nil {
		observer = NoOpObserver{}
	}
	return &Endpoint{
		role:         role,
		config:       config,
		pump:         p,
		observer:     observer,
		connsByAppID: make(map[uint64]*Connection),
		connsBySCID:  make(map[string]*Connection),
		nextAppID:    1,
	}
}

// NewServer binds the pump and builds a server Endpoint, generating a fresh
// HMAC seed key for SCID derivation (§4.3 "new_server").
func NewServer(bindAddr string, cfg Config, observer Observer) (*Endpoint, error) {
	sock, err := pump.Listen(bindAddr)
	if err != nil {
		return nil, WrapError("new_server.bind", err)
	}
	p := pump.New(sock, constants.FallbackRecvBufferSize)

	seed, err := cid.NewSeedKey()
	if err != nil {
		p.Close()
		return nil, WrapError("new_server.seed_key", err)
	}

	ep := newEndpoint(RoleServer, cfg, p, observer)
	ep.seedKey = seed
	return ep, nil
}

// NewClient binds the pump (ephemeral port unless bindAddr specifies one)
// and builds a client Endpoint (§4.3 "new_client").
func NewClient(bindAddr string, cfg Config, observer Observer) (*Endpoint, error) {
	sock, err := pump.Listen(bindAddr)
	if err != nil {
		return nil, WrapError("new_client.bind", err)
	}
	p := pump.New(sock, constants.FallbackRecvBufferSize)
	return newEndpoint(RoleClient, cfg, p, observer), nil
}

// LocalAddr returns the pump's bound local address.
func (e *Endpoint) LocalAddr() net.Addr { return e.pump.LocalAddr() }

// Role reports whether this endpoint plays the server or client role.
func (e *Endpoint) Role() Role { return e.role }

// Config returns the endpoint's protocol-engine configuration.
func (e *Endpoint) Config() Config { return e.config }

// SetTickPeriod configures the Handler's tick cadence anchor.
func (e *Endpoint) SetTickPeriod(d time.Duration) {
	e.tickPeriod = d
	e.nextTickInstant = time.Now().Add(d)
}

// Connections returns the live connections in insertion order.
func (e *Endpoint) Connections() []*Connection {
	out := make([]*Connection, 0, len(e.order))
	for _, id := range e.order {
		if c, ok := e.connsByAppID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Connection looks up a live connection by AppId.
func (e *Endpoint) Connection(appID uint64) (*Connection, bool) {
	c, ok := e.connsByAppID[appID]
	return c, ok
}

func (e *Endpoint) registerConnection(conn *Connection) {
	e.connsByAppID[conn.AppID] = conn
	e.connsBySCID[string(conn.CurrentSCID)] = conn
	e.order = append(e.order, conn.AppID)
}

func (e *Endpoint) removeConnection(conn *Connection) {
	delete(e.connsByAppID, conn.AppID)
	delete(e.connsBySCID, string(conn.CurrentSCID))
	for i, id := range e.order {
		if id == conn.AppID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// DeriveSCID implements the server-side stateless DCID->SCID derivation
// (§3). Only meaningful for a server Endpoint.
func (e *Endpoint) DeriveSCID(dcid []byte) []byte {
	return cid.DeriveSCID(e.seedKey, dcid)
}

// ClassifyAndLookup parses datagram's header and looks the DCID up in the
// registry, returning the matching connection if found, and whether the
// datagram could start a new server connection otherwise (§4.3).
func (e *Endpoint) ClassifyAndLookup(datagram []byte) (conn *Connection, couldBeNew bool, dcid []byte) {
	hdr, err := wire.ParseLongOrShort(datagram, constants.MaxCIDLen)
	if err != nil {
		return nil, false, nil
	}
	if c, ok := e.connsBySCID[string(hdr.DCID)]; ok {
		return c, false, hdr.DCID
	}
	return nil, e.role == RoleServer && wire.CouldBeNewConnection(hdr), hdr.DCID
}

// Connect initiates a new client connection via engine (already the result
// of the engine's own connect, which emits Initial) and registers it.
func (e *Endpoint) Connect(engine protoengine.Engine, peer net.Addr, scid []byte) *Connection {
	appID := e.nextAppID
	e.nextAppID++
	c := NewConnection(appID, engine, peer, e.LocalAddr(), scid, e.observer)
	e.registerConnection(c)
	return c
}

func (e *Endpoint) registerAccepted(engine protoengine.Engine, peer net.Addr, scid []byte) *Connection {
	appID := e.nextAppID
	e.nextAppID++
	c := NewConnection(appID, engine, peer, e.LocalAddr(), scid, e.observer)
	e.registerConnection(c)
	return c
}

// DrainOutbound repeatedly asks conn for outbound packets and hands each to
// the pump until the engine yields none (§4.3 "Outbound drain after every
// state change").
func (e *Endpoint) DrainOutbound(conn *Connection) error {
	buf := make([]byte, constants.MaxDatagramSize)
	for {
		n, dest, at, ok := conn.NextSendPacket(buf)
		if !ok {
			return nil
		}
		sentNow, err := e.pump.Send(buf[:n], dest, at)
		if err != nil {
			return WrapError("drain_outbound", err)
		}
		e.observer.ObserveSend(n, !sentNow)
	}
}

// NextEventInstant computes the composite wake instant: the earliest of the
// next tick, the pump's earliest scheduled send, and the earliest
// connection timeout (§4.3).
func (e *Endpoint) NextEventInstant() time.Time {
	earliest := e.nextTickInstant

	if at, ok := e.pump.EarliestScheduled(); ok && (earliest.IsZero() || at.Before(earliest)) {
		earliest = at
	}
	for _, id := range e.order {
		c, ok := e.connsByAppID[id]
		if !ok {
			continue
		}
		if at, ok := c.NextTimeoutInstant(); ok && (earliest.IsZero() || at.Before(earliest)) {
			earliest = at
		}
	}
	return earliest
}

// RecvOne drains one inbound datagram from the pump, classifies it, feeds
// the matching (or newly created) connection, drains its outbound packets,
// and returns the resulting event plus the AppId it concerns (0 if none).
func (e *Endpoint) RecvOne(deadline time.Time, accept AcceptFunc) (Event, uint64, error) {
	buf, from, err := e.pump.WaitUntilRecv(deadline)
	if err != nil {
		if err == pump.ErrTimeout {
			return EventNoUpdate, 0, nil
		}
		return EventNoUpdate, 0, WrapError("recv_one", err)
	}
	defer e.pump.ReleaseBuffer(buf)

	if len(buf) > constants.MaxDatagramSize {
		e.observer.ObserveDrop()
		return EventNoUpdate, 0, nil
	}

	conn, couldBeNew, dcid := e.ClassifyAndLookup(buf)
	if conn == nil {
		if !couldBeNew || accept == nil {
			e.observer.ObserveDrop()
			return EventNoUpdate, 0, nil
		}
		scid := e.DeriveSCID(dcid)
		engine, err := accept(scid, from, buf)
		if err != nil {
			e.observer.ObserveDrop()
			return EventNoUpdate, 0, nil
		}
		conn = e.registerAccepted(engine, from, scid)
	}

	e.observer.ObserveRecv(len(buf))
	ev := conn.Feed(buf, from)
	if err := e.DrainOutbound(conn); err != nil {
		e.removeConnection(conn)
		return EventConnectionClosed, conn.AppID, err
	}

	return e.translateFeedEvent(conn, ev)
}

func (e *Endpoint) translateFeedEvent(conn *Connection, ev FeedEvent) (Event, uint64, error) {
	switch ev {
	case FeedEstablished:
		e.observer.ObserveEstablished(0)
		return EventEstablishedOnce, conn.AppID, nil
	case FeedClosed:
		e.removeConnection(conn)
		e.observer.ObserveClosed()
		return EventConnectionClosed, conn.AppID, nil
	case FeedDraining:
		e.observer.ObserveClosing()
		return EventConnectionClosing, conn.AppID, nil
	case FeedMainReadable:
		return EventMainStreamReceived, conn.AppID, nil
	case FeedBackgroundReadable:
		return EventBackgroundStreamReceived, conn.AppID, nil
	default:
		return EventNoUpdate, conn.AppID, nil
	}
}

// TimeoutResult pairs the event produced by one connection's timeout
// handling with the AppId it concerns.
type TimeoutResult struct {
	Event Event
	AppID uint64
}

// HandleTimeouts advances every connection whose timeout has elapsed at
// now, removing or marking closing/draining as needed.
func (e *Endpoint) HandleTimeouts(now time.Time) []TimeoutResult {
	var results []TimeoutResult
	for _, id := range append([]uint64(nil), e.order...) {
		c, ok := e.connsByAppID[id]
		if !ok {
			continue
		}
		at, hasTimeout := c.NextTimeoutInstant()
		if !hasTimeout || at.After(now) {
			continue
		}
		switch c.HandlePossibleTimeout(now) {
		case TimeoutClosed:
			e.removeConnection(c)
			e.observer.ObserveClosed()
			results = append(results, TimeoutResult{EventConnectionClosed, c.AppID})
		case TimeoutDraining:
			e.observer.ObserveClosing()
			results = append(results, TimeoutResult{EventConnectionClosing, c.AppID})
		case TimeoutHappened:
			_ = e.DrainOutbound(c)
		}
	}
	return results
}

// AdvanceTick moves the tick anchor forward by one period. Per §4.4 the
// loop does not catch up on skipped ticks.
func (e *Endpoint) AdvanceTick() {
	e.nextTickInstant = e.nextTickInstant.Add(e.tickPeriod)
}

// Close releases the pump's socket.
func (e *Endpoint) Close() error {
	return e.pump.Close()
}
