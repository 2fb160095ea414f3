// ABOUTME: Tests for the UDP data plane
// ABOUTME: Runs two protocols against each other over loopback
package netio

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamlink-audio/jamlink-go/pkg/packet"
	"github.com/jamlink-audio/jamlink-go/pkg/ring"
)

func testStreamHeader() packet.Header {
	return packet.Header{
		BufferSize:     16,
		SamplingRate:   packet.SR48,
		BitResolution:  packet.Bit16,
		NumInChannels:  1,
		NumOutChannels: 1,
	}
}

func newLoopbackPair(t *testing.T, redundancy int) (*Protocol, *Protocol, *ring.Ring, *ring.Ring) {
	t.Helper()
	hdr := testStreamHeader()
	size := packet.PayloadSize(1, 16, packet.Bit16)

	newRing := func() *ring.Ring {
		r, err := ring.New(size, 8, ring.Zeros)
		require.NoError(t, err)
		return r
	}

	aSend, aRecv := newRing(), newRing()
	bSend, bRecv := newRing(), newRing()

	a, err := New(Config{Header: hdr, Redundancy: redundancy, Timeout: time.Second}, aSend, aRecv)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	b, err := New(Config{Header: hdr, Redundancy: redundancy, Timeout: time.Second}, bSend, bRecv)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	a.SetPeer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.LocalAddr().Port})
	b.SetPeer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: a.LocalAddr().Port})

	return a, b, aSend, bRecv
}

func TestSenderToReceiverDelivery(t *testing.T) {
	a, b, aSend, bRecv := newLoopbackPair(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.RunSender(ctx)
	go b.RunReceiver(ctx)

	payload := make([]byte, aSend.SlotSize())
	for i := range payload {
		payload[i] = 0x5A
	}
	for i := 0; i < 5; i++ {
		aSend.Write(payload)
		a.Wake()
	}

	deadline := time.Now().Add(2 * time.Second)
	for bRecv.Occupancy() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, bRecv.Occupancy(), 5, "payloads delivered")

	dst := make([]byte, bRecv.SlotSize())
	require.Equal(t, ring.ReadOK, bRecv.Read(dst))
	assert.Equal(t, payload, dst)

	sent, _, _, _, _ := a.Stats()
	_, recv, _, mismatches, _ := b.Stats()
	assert.Equal(t, uint64(5), sent)
	assert.Equal(t, uint64(5), recv)
	assert.Zero(t, mismatches)
}

func TestReceiverCountsConfigMismatch(t *testing.T) {
	_, b, _, bRecv := newLoopbackPair(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunReceiver(ctx)

	// A foreign stream: same geometry except bit depth.
	hdr := testStreamHeader()
	hdr.BitResolution = packet.Bit24
	wire := hdr.AppendTo(nil)
	wire = append(wire, make([]byte, packet.PayloadSize(1, 16, packet.Bit24))...)

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.LocalAddr().Port})
	require.NoError(t, err)
	defer conn.Close()
	conn.Write(wire)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, _, mismatches, _ := b.Stats(); mismatches == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, recv, _, mismatches, _ := b.Stats()
	assert.Equal(t, uint64(1), mismatches)
	assert.Zero(t, recv, "mismatched datagram not counted as received")
	assert.Zero(t, bRecv.Occupancy(), "mismatched payload never reaches the ring")
}

func TestReceiverTimesOutAfterSilence(t *testing.T) {
	hdr := testStreamHeader()
	size := packet.PayloadSize(1, 16, packet.Bit16)
	recvRing, err := ring.New(size, 8, ring.Zeros)
	require.NoError(t, err)
	sendRing, err := ring.New(size, 8, ring.Zeros)
	require.NoError(t, err)

	p, err := New(Config{Header: hdr, Redundancy: 1, Timeout: 1200 * time.Millisecond}, sendRing, recvRing)
	require.NoError(t, err)
	defer p.Close()

	// One valid datagram arms the liveness clock, then silence.
	a := mustAssembler(t, hdr, size)
	wire := a.Next(make([]byte, size), 0)
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: p.LocalAddr().Port})
	require.NoError(t, err)
	defer conn.Close()
	conn.Write(wire)

	errCh := make(chan error, 1)
	go func() { errCh <- p.RunReceiver(context.Background()) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPeerTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver never timed out")
	}
}

func mustAssembler(t *testing.T, hdr packet.Header, size int) *packet.Assembler {
	t.Helper()
	a, err := packet.NewAssembler(hdr, 1, size)
	require.NoError(t, err)
	return a
}

func TestSimulatedLossIsCounted(t *testing.T) {
	hdr := testStreamHeader()
	size := packet.PayloadSize(1, 16, packet.Bit16)
	sendRing, err := ring.New(size, 64, ring.Zeros)
	require.NoError(t, err)
	recvRing, err := ring.New(size, 64, ring.Zeros)
	require.NoError(t, err)

	p, err := New(Config{
		Header:     hdr,
		Redundancy: 1,
		Sim:        Impairment{Loss: 1.0}, // drop everything
	}, sendRing, recvRing)
	require.NoError(t, err)
	defer p.Close()
	p.SetPeer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}) // discard

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.RunSender(ctx)

	payload := make([]byte, size)
	for i := 0; i < 10; i++ {
		sendRing.Write(payload)
		p.Wake()
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.counters.SimDropped.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, uint64(10), p.counters.SimDropped.Load())
	sent, _, _, _, _ := p.Stats()
	assert.Zero(t, sent)
}

func TestFirstPacketCallbackAndPeerLearning(t *testing.T) {
	hdr := testStreamHeader()
	size := packet.PayloadSize(1, 16, packet.Bit16)
	sendRing, _ := ring.New(size, 8, ring.Zeros)
	recvRing, _ := ring.New(size, 8, ring.Zeros)

	p, err := New(Config{Header: hdr, Redundancy: 1}, sendRing, recvRing)
	require.NoError(t, err)
	defer p.Close()

	first := make(chan struct{})
	p.OnFirstPacket = func() { close(first) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.RunReceiver(ctx)

	a := mustAssembler(t, hdr, size)
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: p.LocalAddr().Port})
	require.NoError(t, err)
	defer conn.Close()
	conn.Write(a.Next(make([]byte, size), 0))

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first-packet callback never fired")
	}
	assert.NotNil(t, p.peerAddr(), "peer learned from the first datagram")
}

func TestGoodbyeStopsReceiver(t *testing.T) {
	hdr := testStreamHeader()
	size := packet.PayloadSize(1, 16, packet.Bit16)
	sendRing, _ := ring.New(size, 8, ring.Zeros)
	recvRing, _ := ring.New(size, 8, ring.Zeros)

	p, err := New(Config{Header: hdr, Redundancy: 1}, sendRing, recvRing)
	require.NoError(t, err)
	defer p.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- p.RunReceiver(context.Background()) }()

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: p.LocalAddr().Port})
	require.NoError(t, err)
	defer conn.Close()

	// A header-only datagram on the data socket is the peer's goodbye.
	conn.Write(hdr.AppendTo(nil))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPeerStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never saw the goodbye")
	}
}
