package protoengine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-quicrtc/internal/constants"
)

// generateTLSConfig is a bare-bones self-signed cert, grounded on the same
// pattern the quic-go ecosystem uses in its own tests (a throwaway RSA key
// plus a self-signed template certificate, no CA involved).
func generateTLSConfig(alpn string) *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{alpn},
	}
}

// pumpBetween forwards every datagram written to a's outbound channel into
// b's inbound channel and vice versa, for as long as t is running. This
// stands in for the real UDP socket a Pump would otherwise own: bridgeConn
// is itself a net.PacketConn, so quic-go on each side reads/writes through
// these channels directly, the same as it would a real socket.
func pumpBetween(t *testing.T, a, b *bridgeConn) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	// send guards against to.inbound already having been closed by
	// bridgeConn.Close (engine shutdown racing the tail of the test); that
	// is equivalent to the peer having gone away, so it just stops pumping.
	send := func(to *bridgeConn, d datagram) (closed bool) {
		defer func() {
			if recover() != nil {
				closed = true
			}
		}()
		select {
		case to.inbound <- d:
		case <-stop:
			closed = true
		}
		return closed
	}
	forward := func(from, to *bridgeConn) {
		for {
			select {
			case d := <-from.outbound:
				if send(to, d) {
					return
				}
			case <-stop:
				return
			}
		}
	}
	go forward(a, b)
	go forward(b, a)
}

// TestQuicGoEngineHandshakeAndStreamRoundTrip drives a real server/client
// QuicGoEngine pair through a handshake and a stream round trip entirely
// in-process, over loopback UDP addresses bridged by bridgeConn. It exists
// because every other engine-level test in this module runs against
// FakeEngine; this is the one that actually exercises quic-go.
func TestQuicGoEngineHandshakeAndStreamRoundTrip(t *testing.T) {
	const alpn = "quicgo-engine-test"

	serverAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4001}
	clientAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4002}

	serverPconn := newBridgeConn(serverAddr)
	clientPconn := newBridgeConn(clientAddr)
	pumpBetween(t, serverPconn, clientPconn)

	quicConf := &quic.Config{}

	serverTLS := generateTLSConfig(alpn)
	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpn}}

	serverTransport := &quic.Transport{Conn: serverPconn}
	listener, err := serverTransport.Listen(serverTLS, quicConf)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	type acceptResult struct {
		conn quic.Connection
		err  error
	}
	serverConnCh := make(chan acceptResult, 1)
	go func() {
		conn, acceptErr := listener.Accept(ctx)
		serverConnCh <- acceptResult{conn, acceptErr}
	}()

	clientConnCh := make(chan acceptResult, 1)
	go func() {
		conn, dialErr := quic.Dial(ctx, clientPconn, serverAddr, clientTLS, quicConf)
		clientConnCh <- acceptResult{conn, dialErr}
	}()

	serverResult := <-serverConnCh
	require.NoError(t, serverResult.err)
	clientResult := <-clientConnCh
	require.NoError(t, clientResult.err)

	serverConn := serverResult.conn
	clientConn := clientResult.conn

	serverEngine := NewQuicGoServerEngine(serverConn, serverPconn)
	clientEngine := NewQuicGoClientEngine(clientConn, clientPconn)

	require.Eventually(t, serverEngine.IsEstablished, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, clientEngine.IsEstablished, 5*time.Second, 5*time.Millisecond)

	payload := []byte("hello from client main stream")
	n, err := clientEngine.StreamSend(constants.MainStreamID, payload, false)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	var (
		readableID int64
		ok         bool
	)
	require.Eventually(t, func() bool {
		readableID, ok = serverEngine.StreamReadableNext()
		return ok
	}, 5*time.Second, 5*time.Millisecond, "server never reported the client's stream as readable")
	require.Equal(t, int64(constants.MainStreamID), readableID)

	buf := make([]byte, len(payload))
	got, fin, err := serverEngine.StreamRecv(constants.MainStreamID, buf)
	require.NoError(t, err)
	require.False(t, fin, "fin must not be set on an ordinary in-progress stream")
	require.Equal(t, payload, buf[:got])

	// An idle gap with no more data must not be misreported as fin; this is
	// the exact bug a deadline-based non-blocking read used to produce.
	time.Sleep(20 * time.Millisecond)
	_, ok = serverEngine.StreamReadableNext()
	require.False(t, ok, "no data is pending, StreamReadableNext must not claim otherwise")

	require.NoError(t, serverEngine.Close(true, 0, "test done"))
	require.NoError(t, clientEngine.Close(true, 0, "test done"))
}
