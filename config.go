package quicrtc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/behrlich/go-quicrtc/internal/constants"
)

// Config translates the small set of options this module exposes into a
// quic-go Config/tls.Config pair (spec §4.5). Every field not listed here is
// fixed per the spec: 4 unidirectional streams permitted, pacing enabled,
// active migration disabled.
type Config struct {
	// ALPNs are the ALPN protocol identifiers advertised/required.
	ALPNs []string

	// CertPath is the PEM certificate chain (server) or trust anchor
	// (client).
	CertPath string

	// PKeyPath is the server private key PEM path. Its presence toggles
	// server-mode configuration.
	PKeyPath string

	// IdleTimeout bounds peer silence before the engine closes the
	// connection.
	IdleTimeout time.Duration

	// MaxPayload is the UDP payload size carried by this Config
	// (DefaultConfig sets constants.MaxDatagramSize). buildQUICConfig does
	// not pass it to quic-go; the Endpoint's send buffer and oversize-drop
	// check use constants.MaxDatagramSize, not this field.
	MaxPayload int

	// ReliableStreamBuffer is the per-bidi-stream flow-control window, both
	// directions.
	ReliableStreamBuffer uint64

	// UnreliableStreamBuffer is the per-uni-stream window (future use;
	// unreliable streams are disabled at the application layer per §1 but
	// the engine config still carries a window for them).
	UnreliableStreamBuffer uint64

	// KeyLogPath, if non-empty, is where server-side TLS secrets are logged.
	// The file is opened once per server TLS config, and every connection
	// accepted with that config writes to it, not only the first.
	// Best-effort: a failure to create the file is not fatal.
	KeyLogPath string
}

// DefaultConfig returns a Config with the fixed values this module always
// uses, leaving ALPNs/CertPath/PKeyPath for the caller to fill in.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:            constants.DefaultIdleTimeout,
		MaxPayload:             constants.MaxDatagramSize,
		ReliableStreamBuffer:   1 << 20,
		UnreliableStreamBuffer: 1 << 16,
		KeyLogPath:             constants.KeyLogPath,
	}
}

// IsServer reports whether this config is in server mode (a private key
// path was supplied).
func (c Config) IsServer() bool {
	return c.PKeyPath != ""
}

// buildTLSConfig loads the certificate chain (and, for servers, the private
// key) and sets up the ALPN list plus an optional key log writer.
func (c Config) buildTLSConfig() (*tls.Config, error) {
	tlsConf := &tls.Config{
		NextProtos: c.ALPNs,
		MinVersion: tls.VersionTLS13,
	}

	if c.IsServer() {
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.PKeyPath)
		if err != nil {
			return nil, WrapError("config.build_tls", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}

		if c.KeyLogPath != "" {
			if f, err := os.Create(c.KeyLogPath); err == nil {
				tlsConf.KeyLogWriter = f
			}
			// A failure to open the key log is a debug-aid miss, not fatal.
		}
	} else {
		tlsConf.InsecureSkipVerify = false
		if c.CertPath != "" {
			pool, err := loadCertPool(c.CertPath)
			if err != nil {
				return nil, WrapError("config.build_tls", err)
			}
			tlsConf.RootCAs = pool
		}
	}

	return tlsConf, nil
}

// buildQUICConfig translates the fixed and caller-specified options into a
// quic.Config: 4 unidirectional streams always permitted, pacing always on
// (quic-go paces internally, there is no disable switch), active migration
// disabled (no path validation hooks wired up), path MTU discovery and
// datagrams disabled, and bidi stream counts that differ by role per §4.5.
func (c Config) buildQUICConfig(server bool) *quic.Config {
	bidi := int64(0)
	if server {
		bidi = 3
	}
	return &quic.Config{
		MaxIdleTimeout:                 c.IdleTimeout,
		MaxIncomingStreams:             bidi,
		MaxIncomingUniStreams:          4,
		InitialStreamReceiveWindow:     c.ReliableStreamBuffer,
		MaxStreamReceiveWindow:         c.ReliableStreamBuffer,
		InitialConnectionReceiveWindow: c.ReliableStreamBuffer + 4*c.UnreliableStreamBuffer,
		MaxConnectionReceiveWindow:     c.ReliableStreamBuffer + 4*c.UnreliableStreamBuffer,
		DisablePathMTUDiscovery:        true,
		EnableDatagrams:                false,
	}
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("config: no certificates found in %s", path)
	}
	return pool, nil
}
