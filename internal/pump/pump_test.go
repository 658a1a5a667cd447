package pump

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	local net.Addr
	inbox chan fakeDatagram
	sent  []fakeDatagram
}

type fakeDatagram struct {
	data []byte
	addr net.Addr
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		local: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999},
		inbox: make(chan fakeDatagram, 16),
	}
}

func (f *fakeSocket) LocalAddr() net.Addr { return f.local }

func (f *fakeSocket) RecvFrom(buf []byte, deadline time.Time) (int, net.Addr, error) {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		timer = time.NewTimer(time.Until(deadline))
		timeoutCh = timer.C
	}
	select {
	case d := <-f.inbox:
		if timer != nil {
			timer.Stop()
		}
		n := copy(buf, d.data)
		return n, d.addr, nil
	case <-timeoutCh:
		return 0, nil, ErrTimeout
	}
}

func (f *fakeSocket) SendTo(buf []byte, to net.Addr) (int, error) {
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, fakeDatagram{data: cp, addr: to})
	return len(buf), nil
}

func (f *fakeSocket) Close() error { return nil }

func TestSchedulerOrdersByDueTime(t *testing.T) {
	s := newScheduler()
	now := time.Now()
	s.Schedule(now.Add(10*time.Millisecond), nil, []byte("late"))
	s.Schedule(now.Add(1*time.Millisecond), nil, []byte("early"))

	due := s.DrainDue(now.Add(20 * time.Millisecond))
	require.Len(t, due, 2)
	assert.Equal(t, "early", string(due[0].data))
	assert.Equal(t, "late", string(due[1].data))
}

func TestSchedulerOnlyDrainsDue(t *testing.T) {
	s := newScheduler()
	now := time.Now()
	s.Schedule(now.Add(time.Hour), nil, []byte("future"))

	due := s.DrainDue(now)
	assert.Len(t, due, 0)
	assert.Equal(t, 1, s.Len())

	earliest, ok := s.EarliestDue()
	require.True(t, ok)
	assert.True(t, earliest.After(now))
}

func TestPumpSendImmediate(t *testing.T) {
	sock := newFakeSocket()
	p := New(sock, 1500)

	dest := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4433}
	sent, err := p.Send([]byte("hello"), dest, time.Time{})
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, sock.sent, 1)
	assert.Equal(t, "hello", string(sock.sent[0].data))
}

func TestPumpSendDeferredThenDrained(t *testing.T) {
	sock := newFakeSocket()
	p := New(sock, 1500)

	dest := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4433}
	future := time.Now().Add(5 * time.Millisecond)
	sent, err := p.Send([]byte("paced"), dest, future)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Len(t, sock.sent, 0)

	earliest, ok := p.EarliestScheduled()
	require.True(t, ok)
	assert.Equal(t, future, earliest)

	n, err := p.DrainDue(future.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sock.sent, 1)
	assert.Equal(t, "paced", string(sock.sent[0].data))
}

func TestPumpWaitUntilRecv(t *testing.T) {
	sock := newFakeSocket()
	p := New(sock, 1500)

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 1111}
	sock.inbox <- fakeDatagram{data: []byte("world"), addr: from}

	buf, gotFrom, err := p.WaitUntilRecv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))
	assert.Equal(t, from, gotFrom)
	p.ReleaseBuffer(buf)
}

func TestPumpWaitUntilRecvTimeout(t *testing.T) {
	sock := newFakeSocket()
	p := New(sock, 1500)

	_, _, err := p.WaitUntilRecv(time.Now().Add(10 * time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDatagramPoolRoundTrip(t *testing.T) {
	pool := newDatagramPool(128)
	buf := pool.Get()
	assert.Len(t, buf, 128)
	pool.Put(buf)
	buf2 := pool.Get()
	assert.Len(t, buf2, 128)
}
