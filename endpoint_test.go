package quicrtc

import (
	"net"
	"testing"
	"time"

	"github.com/behrlich/go-quicrtc/internal/protoengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEndpointPair(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()

	serverEp, err := NewServer("127.0.0.1:0", DefaultConfig(), nil)
	require.NoError(t, err)

	clientEp, err := NewClient("127.0.0.1:0", DefaultConfig(), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = serverEp.Close()
		_ = clientEp.Close()
	})

	return serverEp, clientEp
}

func TestEndpointAppIDsAreUniqueAndIncreasing(t *testing.T) {
	ep, _ := newTestEndpointPair(t)

	e1 := protoengine.NewFakeEngine(true, ep.LocalAddr(), nil)
	e2 := protoengine.NewFakeEngine(true, ep.LocalAddr(), nil)

	c1 := ep.registerAccepted(e1, &net.UDPAddr{Port: 1}, []byte("a"))
	c2 := ep.registerAccepted(e2, &net.UDPAddr{Port: 2}, []byte("b"))

	assert.Less(t, c1.AppID, c2.AppID)
	assert.NotEqual(t, c1.AppID, c2.AppID)
}

func TestEndpointRegistryLookupBySCID(t *testing.T) {
	ep, _ := newTestEndpointPair(t)
	e1 := protoengine.NewFakeEngine(true, ep.LocalAddr(), nil)
	scid := []byte("registry-scid")
	conn := ep.registerAccepted(e1, &net.UDPAddr{Port: 1}, scid)

	got, ok := ep.Connection(conn.AppID)
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.Same(t, conn, ep.connsBySCID[string(scid)])

	ep.removeConnection(conn)
	_, ok = ep.Connection(conn.AppID)
	assert.False(t, ok)
	assert.NotContains(t, ep.connsBySCID, string(scid))
}

func TestEndpointDeriveSCIDDeterministic(t *testing.T) {
	ep, _ := newTestEndpointPair(t)

	dcid := []byte{1, 2, 3, 4}
	a := ep.DeriveSCID(dcid)
	b := ep.DeriveSCID(dcid)
	assert.Equal(t, a, b)
}

func TestEndpointNextEventInstantPicksEarliest(t *testing.T) {
	ep, _ := newTestEndpointPair(t)
	ep.SetTickPeriod(time.Hour)

	e1 := protoengine.NewFakeEngine(true, ep.LocalAddr(), nil)
	conn := ep.registerAccepted(e1, &net.UDPAddr{Port: 1}, []byte("x"))

	soon := time.Now().Add(10 * time.Millisecond)
	e1.SetTimeout(soon)
	conn.refreshTimeout()

	assert.Equal(t, soon, ep.NextEventInstant())
}
