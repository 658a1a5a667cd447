package quicrtc

import (
	"time"

	"github.com/behrlich/go-quicrtc/internal/constants"
	"github.com/behrlich/go-quicrtc/internal/logging"
)

// Callbacks is the application's capability set for the event loop (§4.4).
// A Handler dispatches Endpoint events into these methods; nothing else
// reaches the application.
type Callbacks interface {
	// Tick fires once per tick period. Returning true requests loop exit.
	Tick(ep *Endpoint) bool

	// ConnectionStarted fires exactly once per connection, after handshake.
	ConnectionStarted(ep *Endpoint, appID uint64)

	// ConnectionClosing fires at most once per connection, when graceful
	// close begins.
	ConnectionClosing(ep *Endpoint, appID uint64)

	// ConnectionClosed fires exactly once per connection, after full close.
	// remaining is the number of connections still live. Returning true
	// requests loop exit.
	ConnectionClosed(ep *Endpoint, appID uint64, remaining int) bool

	// MainStreamRecv fires whenever a main-stream frame of the currently
	// set target has been assembled. The returned (n, ok) becomes the next
	// target length; ok=false closes the connection with error 16.
	MainStreamRecv(ep *Endpoint, appID uint64, data []byte) (int, bool)

	// BackgroundStreamRecv is MainStreamRecv for the background stream.
	BackgroundStreamRecv(ep *Endpoint, appID uint64, data []byte) (int, bool)

	// DebugText is informational only.
	DebugText(text string)
}

// connState tracks the per-connection bookkeeping the Handler needs beyond
// what Connection itself keeps: whether ConnectionStarted already fired, and
// the recv buffers backing each stream's target (so setTarget always has a
// real buffer to grow, even across the 4096-byte fallback described in
// §4.4).
type connState struct {
	mainBuf       []byte
	backgroundBuf []byte
}

// Handler drives one Endpoint's event loop: alternating Endpoint.RecvOne
// with timeout and tick processing, translating every resulting Event into
// a Callbacks dispatch (§4.4). One Handler drives exactly one Endpoint from
// exactly one goroutine; see package docs on the single-threaded model.
type Handler struct {
	ep        *Endpoint
	callbacks Callbacks
	accept    AcceptFunc

	conns map[uint64]*connState

	pingEvery time.Duration
}

// NewHandler builds a Handler for ep. accept is used on the server side to
// construct a protoengine.Engine for a newly observed DCID; it may be nil
// for a client-only Handler.
func NewHandler(ep *Endpoint, callbacks Callbacks, accept AcceptFunc) *Handler {
	return &Handler{
		ep:        ep,
		callbacks: callbacks,
		accept:    accept,
		conns:     make(map[uint64]*connState),
		pingEvery: constants.KeepAliveThreshold,
	}
}

// Run drives the loop until a callback requests exit or a fatal endpoint
// error occurs. A positive tickPeriod (re)sets the Endpoint's tick cadence
// and anchor; zero or negative leaves the current setting in place.
func (h *Handler) Run(tickPeriod time.Duration) error {
	if tickPeriod > 0 {
		h.ep.SetTickPeriod(tickPeriod)
	}

	for {
		exit, err := h.RunOnce()
		if err != nil {
			return err
		}
		if exit {
			return nil
		}
	}
}

// RunOnce processes exactly one wake cycle: it waits for the next inbound
// datagram (or the next scheduled instant, whichever is sooner), handles any
// elapsed connection timeouts, sends keep-alive pings where due, and fires a
// tick if the tick anchor has elapsed. Returns true if a callback requested
// loop exit.
func (h *Handler) RunOnce() (bool, error) {
	now := time.Now()
	deadline := h.ep.NextEventInstant()

	ev, appID, err := h.ep.RecvOne(deadline, h.accept)
	if err != nil {
		logging.Errorf("handler: recv_one failed: %v", err)
		h.callbacks.DebugText("recv_one failed: " + err.Error())
		return false, err
	}
	if exit := h.dispatch(ev, appID); exit {
		return true, nil
	}

	for _, r := range h.ep.HandleTimeouts(time.Now()) {
		if exit := h.dispatch(r.Event, r.AppID); exit {
			return true, nil
		}
	}

	h.pingDueConnections(now)

	if !h.ep.nextTickInstant.IsZero() && !now.Before(h.ep.nextTickInstant) {
		if h.callbacks.Tick(h.ep) {
			return true, nil
		}
		h.ep.AdvanceTick()
	}

	return false, nil
}

func (h *Handler) pingDueConnections(now time.Time) {
	threshold := now.Add(-h.pingEvery)
	for _, c := range h.ep.Connections() {
		if c.SendPingIfBefore(threshold) {
			_ = h.ep.DrainOutbound(c)
		}
	}
}

// dispatch translates one Endpoint event into the matching Callbacks call,
// allocating/seeding recv buffers as connections are created and started.
// Returns true if a callback requested loop exit.
func (h *Handler) dispatch(ev Event, appID uint64) bool {
	switch ev {
	case EventEstablishedOnce:
		conn, ok := h.ep.Connection(appID)
		if !ok {
			return false
		}
		st := &connState{
			mainBuf:       make([]byte, constants.FallbackRecvBufferSize),
			backgroundBuf: make([]byte, constants.FallbackRecvBufferSize),
		}
		h.conns[appID] = st
		conn.SetMainTarget(headerSize, st.mainBuf)
		conn.SetBackgroundTarget(headerSize, st.backgroundBuf)
		h.callbacks.ConnectionStarted(h.ep, appID)
		return false

	case EventMainStreamReceived:
		return h.dispatchStreamRecv(appID, true)

	case EventBackgroundStreamReceived:
		return h.dispatchStreamRecv(appID, false)

	case EventConnectionClosing:
		h.callbacks.ConnectionClosing(h.ep, appID)
		return false

	case EventConnectionClosed:
		delete(h.conns, appID)
		remaining := len(h.ep.Connections())
		return h.callbacks.ConnectionClosed(h.ep, appID, remaining)

	default:
		return false
	}
}

func (h *Handler) dispatchStreamRecv(appID uint64, main bool) bool {
	conn, ok := h.ep.Connection(appID)
	if !ok {
		return false
	}
	st, ok := h.conns[appID]
	if !ok {
		// A frame became ready before ConnectionStarted ran; the spec
		// treats this as ReliableBufferMissing and emits no update.
		return false
	}

	var data []byte
	var fetched bool
	if main {
		data, fetched = conn.ReadMain()
	} else {
		data, fetched = conn.ReadBackground()
	}
	if !fetched {
		return false
	}

	var next int
	var ok2 bool
	if main {
		next, ok2 = h.callbacks.MainStreamRecv(h.ep, appID, data)
	} else {
		next, ok2 = h.callbacks.BackgroundStreamRecv(h.ep, appID, data)
	}

	if !ok2 {
		logging.Debugf("handler: callback rejected frame on app %d, closing", appID)
		_ = conn.Close(constants.CallbackRejectedErrorCode, "callback_rejected")
		_ = h.ep.DrainOutbound(conn)
		return false
	}

	buf := st.mainBuf
	if !main {
		buf = st.backgroundBuf
	}
	if next > len(buf) {
		buf = make([]byte, next)
		if main {
			st.mainBuf = buf
		} else {
			st.backgroundBuf = buf
		}
	}
	if main {
		conn.SetMainTarget(next, buf)
	} else {
		conn.SetBackgroundTarget(next, buf)
	}
	return false
}

// headerSize is the first target every new connection's streams are set to:
// 1 type byte + 2 little-endian length bytes, per §4.4 and §6.1.
const headerSize = 3
