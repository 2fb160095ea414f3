// ABOUTME: Tests for the hub listener and worker pool
// ABOUTME: Probes the control port like a client and inspects replies
package hub

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamlink-audio/jamlink-go/internal/audiohost"
	"github.com/jamlink-audio/jamlink-go/pkg/packet"
	"github.com/jamlink-audio/jamlink-go/pkg/session"
)

func newTestListener(t *testing.T, port, maxWorkers int) *Listener {
	t.Helper()
	host := audiohost.NewNull(48000, 64)
	l, err := NewListener(Config{
		Port:       port,
		BasePort:   62100 + port%100,
		MaxWorkers: maxWorkers,
		Channels:   2,
		Timeout:    2 * time.Second,
		Policy:     ClientFofi,
	}, host)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)
	return l
}

func probeHeader(l *Listener) packet.Header {
	return l.header
}

// probe sends one handshake probe from a fresh socket and returns the
// decoded port reply (-1 on timeout).
func probe(t *testing.T, port int, hdr packet.Header) (int, *net.UDPConn) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	server := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	_, err = conn.WriteToUDP(hdr.AppendTo(nil), server)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return -1, conn
	}
	require.Equal(t, session.PortReplySize, n)
	return session.DecodePortReply(buf[:n]), conn
}

func TestListenerAcceptsAndAssignsPort(t *testing.T) {
	l := newTestListener(t, 47101, 4)

	port, _ := probe(t, 47101, probeHeader(l))
	require.Greater(t, port, 0)
	assert.GreaterOrEqual(t, port, 49152, "worker port is ephemeral-range")

	active, max := l.Workers()
	assert.Equal(t, 1, active)
	assert.Equal(t, 4, max)
}

func TestListenerRejectsIncompatibleProbe(t *testing.T) {
	l := newTestListener(t, 47102, 4)

	bad := probeHeader(l)
	bad.BitResolution = packet.Bit24
	port, _ := probe(t, 47102, bad)

	assert.Equal(t, -1, port, "incompatible probe gets no reply")
	assert.Equal(t, uint64(1), l.Mismatches())
	active, _ := l.Workers()
	assert.Zero(t, active, "no ephemeral port allocated")
}

func TestListenerBusyReplyWhenPoolFull(t *testing.T) {
	l := newTestListener(t, 47103, 2)
	hdr := probeHeader(l)

	p1, _ := probe(t, 47103, hdr)
	p2, _ := probe(t, 47103, hdr)
	require.Greater(t, p1, 0)
	require.Greater(t, p2, 0)
	assert.NotEqual(t, p1, p2, "distinct data ports per worker")

	// Pool is full: the third probe gets the zero-port busy reply.
	p3, _ := probe(t, 47103, hdr)
	assert.Equal(t, 0, p3)
}

func TestListenerRepliesSamePortOnReprobe(t *testing.T) {
	l := newTestListener(t, 47104, 2)
	hdr := probeHeader(l)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	server := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 47104}

	read := func() int {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 16)
		n, _, err := conn.ReadFromUDP(buf)
		require.NoError(t, err)
		require.Equal(t, session.PortReplySize, n)
		return session.DecodePortReply(buf[:n])
	}

	conn.WriteToUDP(hdr.AppendTo(nil), server)
	first := read()
	conn.WriteToUDP(hdr.AppendTo(nil), server)
	second := read()

	assert.Equal(t, first, second, "lost reply retransmits the same port")
	active, _ := l.Workers()
	assert.Equal(t, 1, active, "re-probe does not burn a second slot")
}

func TestWorkerReapFreesSlot(t *testing.T) {
	l := newTestListener(t, 47105, 1)
	hdr := probeHeader(l)

	port, _ := probe(t, 47105, hdr)
	require.Greater(t, port, 0)

	// Stop the worker directly (as a peer timeout would) and wait for
	// the reap to free the slot.
	l.mu.Lock()
	w := l.workers[0]
	l.mu.Unlock()
	require.NotNil(t, w)
	w.stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if active, _ := l.Workers(); active == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	active, _ := l.Workers()
	assert.Zero(t, active)
	assert.Equal(t, WorkerReaped, w.State())

	// The freed slot accepts a new peer.
	port2, _ := probe(t, 47105, hdr)
	assert.Greater(t, port2, 0)
}
