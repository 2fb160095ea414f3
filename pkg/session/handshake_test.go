// ABOUTME: Tests for the two-phase port negotiation
// ABOUTME: Exercises probe/reply, busy replies and timeout behavior
package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamlink-audio/jamlink-go/pkg/packet"
)

func testHandshakeHeader() packet.Header {
	return packet.Header{
		BufferSize:     256,
		SamplingRate:   packet.SR48,
		BitResolution:  packet.Bit16,
		NumInChannels:  2,
		NumOutChannels: 2,
	}
}

func TestPortReplyRoundTrip(t *testing.T) {
	for _, port := range []int{1, 4464, 49152, 61002, 65535} {
		b := EncodePortReply(port)
		if got := DecodePortReply(b[:]); got != port {
			t.Errorf("port %d round-tripped to %d", port, got)
		}
	}

	// Little-endian byte order.
	b := EncodePortReply(0x00C1FF)
	assert.Equal(t, [3]byte{0xFF, 0xC1, 0x00}, b)
}

func newUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestClientHandshakeNegotiatesEphemeralPort(t *testing.T) {
	server := newUDP(t)
	client := newUDP(t)
	hdr := testHandshakeHeader()

	// Server side: validate the probe, reply with a fresh port.
	go func() {
		buf := make([]byte, 256)
		n, from, err := server.ReadFromUDP(buf)
		if err != nil || n < packet.HeaderSize {
			return
		}
		got, err := packet.ParseHeader(buf[:n])
		if err != nil || !got.Matches(&hdr) {
			return
		}
		reply := EncodePortReply(61002)
		server.WriteToUDP(reply[:], from)
	}()

	peer, err := ClientHandshake(context.Background(), client,
		server.LocalAddr().(*net.UDPAddr), hdr, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 61002, peer.Port)
	assert.True(t, peer.IP.Equal(net.IPv4(127, 0, 0, 1)))
}

func TestClientHandshakeBusyReply(t *testing.T) {
	server := newUDP(t)
	client := newUDP(t)

	go func() {
		buf := make([]byte, 256)
		_, from, err := server.ReadFromUDP(buf)
		if err != nil {
			return
		}
		reply := EncodePortReply(0)
		server.WriteToUDP(reply[:], from)
	}()

	_, err := ClientHandshake(context.Background(), client,
		server.LocalAddr().(*net.UDPAddr), testHandshakeHeader(), time.Second)
	assert.ErrorIs(t, err, ErrServerBusy)
}

func TestClientHandshakeTimeout(t *testing.T) {
	server := newUDP(t) // never replies
	client := newUDP(t)

	start := time.Now()
	_, err := ClientHandshake(context.Background(), client,
		server.LocalAddr().(*net.UDPAddr), testHandshakeHeader(), 300*time.Millisecond)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAwaitProbeAcceptsCompatiblePeer(t *testing.T) {
	control := newUDP(t)
	local := testHandshakeHeader()

	probeCh := make(chan *Probe, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		p, err := AwaitProbe(ctx, control, local, nil)
		if err == nil {
			probeCh <- p
		}
	}()

	sender := newUDP(t)
	sender.WriteToUDP(local.AppendTo(nil), control.LocalAddr().(*net.UDPAddr))

	select {
	case p := <-probeCh:
		assert.Equal(t, sender.LocalAddr().(*net.UDPAddr).Port, p.Addr.Port)
		assert.True(t, p.Header.Matches(&local))
	case <-time.After(2 * time.Second):
		t.Fatal("compatible probe never accepted")
	}
}

func TestAwaitProbeRejectsIncompatiblePeer(t *testing.T) {
	control := newUDP(t)
	local := testHandshakeHeader()

	mismatches := 0
	errCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, err := AwaitProbe(ctx, control, local, func() { mismatches++ })
		errCh <- err
	}()

	// A 24-bit probe against a 16-bit server: counted and fatal for a
	// single-peer session, with no port reply for the client.
	sender := newUDP(t)
	bad := local
	bad.BitResolution = packet.Bit24
	sender.WriteToUDP(bad.AppendTo(nil), control.LocalAddr().(*net.UDPAddr))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrIncompatiblePeer)
	case <-time.After(2 * time.Second):
		t.Fatal("mismatched probe never surfaced")
	}
	assert.Equal(t, 1, mismatches)

	sender.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	_, _, err := sender.ReadFromUDP(buf)
	assert.Error(t, err, "no reply for an incompatible probe")
}
