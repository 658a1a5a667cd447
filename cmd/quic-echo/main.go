// Command quic-echo is a minimal multi-client chat-announce example built on
// top of this module's Endpoint/Handler pair, grounded in the message
// exchange of the original Rust simple.rs example: a client announces a
// username on connect, the server replies with a refresh of every known
// client and broadcasts the new arrival to everyone else already connected.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	quicrtc "github.com/behrlich/go-quicrtc"
	"github.com/behrlich/go-quicrtc/internal/logging"
)

const (
	alpnName   = "simple"
	serverName = "localhost"
)

// streamMsgType mirrors the original example's StreamMsgType enum: which
// kind of frame follows a 3-byte header (1 type byte + 2 little-endian
// length bytes).
type streamMsgType byte

const (
	msgInvalid            streamMsgType = 0
	msgServerStateRefresh streamMsgType = 1
	msgNewClient          streamMsgType = 2
	msgNewClientAnnounce  streamMsgType = 3
)

func main() {
	var (
		mode     = flag.String("mode", "server", "server or client")
		addr     = flag.String("addr", "127.0.0.1:4433", "address to bind (server) or dial (client)")
		certPath = flag.String("cert", "security/cert.pem", "TLS certificate chain path")
		keyPath  = flag.String("key", "security/pkey.pem", "TLS private key path (server only)")
		name     = flag.String("name", "", "client username (client only)")
		verbose  = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var err error
	switch *mode {
	case "server":
		err = runServer(ctx, *addr, *certPath, *keyPath, logger)
	case "client":
		if *name == "" {
			log.Fatal("-name is required in client mode")
		}
		err = runClient(ctx, *addr, *certPath, *name, logger)
	default:
		log.Fatalf("unknown -mode %q (want server or client)", *mode)
	}
	if err != nil {
		logger.Error("exiting with error", "error", err)
		os.Exit(1)
	}
}

func baseConfig(certPath string) quicrtc.Config {
	cfg := quicrtc.DefaultConfig()
	cfg.ALPNs = []string{alpnName}
	cfg.CertPath = certPath
	return cfg
}

// frameState tracks, per connection, whether the next stream target is a
// 3-byte header or the payload announced by the header just read.
type frameState struct {
	expectingHeader bool
	pendingType     streamMsgType
}

func encodeHeader(t streamMsgType, payloadLen int) []byte {
	return []byte{byte(t), byte(payloadLen), byte(payloadLen >> 8)}
}

func decodeHeader(data []byte) (streamMsgType, int) {
	return streamMsgType(data[0]), int(data[1]) | int(data[2])<<8
}

// --- server -----------------------------------------------------------

type serverCallbacks struct {
	logger  *logging.Logger
	clients map[uint64]string // appID -> username, only entries past NewClientAnnounce
	frames  map[uint64]*frameState
}

func newServerCallbacks(logger *logging.Logger) *serverCallbacks {
	return &serverCallbacks{
		logger:  logger,
		clients: make(map[uint64]string),
		frames:  make(map[uint64]*frameState),
	}
}

func (s *serverCallbacks) Tick(ep *quicrtc.Endpoint) bool { return false }

func (s *serverCallbacks) ConnectionStarted(ep *quicrtc.Endpoint, appID uint64) {
	s.logger.Info("connection established", "app_id", appID)
	s.frames[appID] = &frameState{expectingHeader: true}
}

func (s *serverCallbacks) ConnectionClosing(ep *quicrtc.Endpoint, appID uint64) {
	s.logger.Info("connection closing", "app_id", appID)
}

func (s *serverCallbacks) ConnectionClosed(ep *quicrtc.Endpoint, appID uint64, remaining int) bool {
	s.logger.Info("connection closed", "app_id", appID, "remaining", remaining)
	delete(s.clients, appID)
	delete(s.frames, appID)
	return false
}

func (s *serverCallbacks) MainStreamRecv(ep *quicrtc.Endpoint, appID uint64, data []byte) (int, bool) {
	st, ok := s.frames[appID]
	if !ok {
		return headerSizeConst, false
	}

	if st.expectingHeader {
		t, length := decodeHeader(data)
		st.expectingHeader = false
		st.pendingType = t
		return length, true
	}

	t := st.pendingType
	st.expectingHeader = true
	switch t {
	case msgNewClientAnnounce:
		name := string(data)
		s.logger.Info("client announced", "app_id", appID, "name", name)
		s.clients[appID] = name
		s.sendStateRefresh(ep, appID)
		s.broadcastNewClient(ep, appID, name)
		return headerSizeConst, true
	default:
		s.logger.Warn("unexpected message type from client", "app_id", appID, "type", t)
		return headerSizeConst, true
	}
}

func (s *serverCallbacks) BackgroundStreamRecv(ep *quicrtc.Endpoint, appID uint64, data []byte) (int, bool) {
	return headerSizeConst, true
}

func (s *serverCallbacks) DebugText(text string) {
	s.logger.Debug(text)
}

func (s *serverCallbacks) sendStateRefresh(ep *quicrtc.Endpoint, appID uint64) {
	conn, ok := ep.Connection(appID)
	if !ok {
		return
	}
	names := make([]string, 0, len(s.clients))
	for _, n := range s.clients {
		names = append(names, n)
	}
	payload := []byte(strings.Join(names, "\n"))
	conn.SendMain(encodeHeader(msgServerStateRefresh, len(payload)))
	conn.SendMain(payload)
	_ = ep.DrainOutbound(conn)
}

func (s *serverCallbacks) broadcastNewClient(ep *quicrtc.Endpoint, newAppID uint64, name string) {
	payload := []byte(name)
	for appID := range s.clients {
		if appID == newAppID {
			continue
		}
		conn, ok := ep.Connection(appID)
		if !ok {
			continue
		}
		conn.SendMain(encodeHeader(msgNewClient, len(payload)))
		conn.SendMain(payload)
		_ = ep.DrainOutbound(conn)
	}
}

func runServer(ctx context.Context, addr, certPath, keyPath string, logger *logging.Logger) error {
	cfg := baseConfig(certPath)
	cfg.PKeyPath = keyPath

	ep, err := quicrtc.NewServer(addr, cfg, nil)
	if err != nil {
		return fmt.Errorf("new server: %w", err)
	}
	defer ep.Close()

	accept, err := quicrtc.QuicGoAccept(ep.LocalAddr(), cfg)
	if err != nil {
		return fmt.Errorf("quic go accept: %w", err)
	}

	logger.Info("server listening", "addr", ep.LocalAddr().String())

	h := quicrtc.NewHandler(ep, newServerCallbacks(logger), accept)
	return runUntilDone(ctx, h)
}

// --- client -------------------------------------------------------------

type clientCallbacks struct {
	logger *logging.Logger
	name   string
	frame  frameState
}

func (c *clientCallbacks) Tick(ep *quicrtc.Endpoint) bool {
	for _, conn := range ep.Connections() {
		if conn.SendPingIfBefore(time.Now().Add(-2 * time.Second)) {
			_ = ep.DrainOutbound(conn)
		}
	}
	return false
}

func (c *clientCallbacks) ConnectionStarted(ep *quicrtc.Endpoint, appID uint64) {
	c.logger.Info("connected to server", "app_id", appID)
	conn, ok := ep.Connection(appID)
	if !ok {
		return
	}
	payload := []byte(c.name)
	conn.SendMain(encodeHeader(msgNewClientAnnounce, len(payload)))
	conn.SendMain(payload)
	_ = ep.DrainOutbound(conn)
}

func (c *clientCallbacks) ConnectionClosing(ep *quicrtc.Endpoint, appID uint64) {
	c.logger.Info("connection closing", "app_id", appID)
}

func (c *clientCallbacks) ConnectionClosed(ep *quicrtc.Endpoint, appID uint64, remaining int) bool {
	c.logger.Info("connection closed", "app_id", appID)
	return true
}

func (c *clientCallbacks) MainStreamRecv(ep *quicrtc.Endpoint, appID uint64, data []byte) (int, bool) {
	if c.frame.expectingHeader {
		t, length := decodeHeader(data)
		c.frame.expectingHeader = false
		c.frame.pendingType = t
		return length, true
	}

	t := c.frame.pendingType
	c.frame.expectingHeader = true
	switch t {
	case msgServerStateRefresh:
		if len(data) == 0 {
			c.logger.Info("server state refresh", "clients", "(none yet)")
		} else {
			c.logger.Info("server state refresh", "clients", strings.Join(strings.Split(string(data), "\n"), ", "))
		}
	case msgNewClient:
		c.logger.Info("new client joined", "name", string(data))
	default:
		c.logger.Warn("unexpected message type from server", "type", t)
	}
	return headerSizeConst, true
}

func (c *clientCallbacks) BackgroundStreamRecv(ep *quicrtc.Endpoint, appID uint64, data []byte) (int, bool) {
	return headerSizeConst, true
}

func (c *clientCallbacks) DebugText(text string) {
	c.logger.Debug(text)
}

func runClient(ctx context.Context, addr, certPath, name string, logger *logging.Logger) error {
	cfg := baseConfig(certPath)

	ep, err := quicrtc.NewClient("0.0.0.0:0", cfg, nil)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer ep.Close()

	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve addr: %w", err)
	}

	if _, err := quicrtc.DialQuicGo(ep, peer, cfg); err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	logger.Info("dialing server", "addr", addr, "name", name)

	cb := &clientCallbacks{logger: logger, name: name, frame: frameState{expectingHeader: true}}
	h := quicrtc.NewHandler(ep, cb, nil)
	return runUntilDone(ctx, h)
}

// --- shared loop driver ---------------------------------------------------

// headerSizeConst mirrors the unexported quicrtc.headerSize (3 bytes: 1 type
// byte + 2 little-endian length bytes) that every new connection's streams
// start targeting.
const headerSizeConst = 3

func runUntilDone(ctx context.Context, h *quicrtc.Handler) error {
	done := make(chan error, 1)
	go func() {
		done <- h.Run(100 * time.Millisecond)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}
