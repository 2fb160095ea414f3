// ABOUTME: Tests for the session lifecycle
// ABOUTME: Runs server and client sessions against each other over loopback
package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamlink-audio/jamlink-go/internal/audiohost"
	"github.com/jamlink-audio/jamlink-go/pkg/ring"
)

func TestConfigValidation(t *testing.T) {
	host := audiohost.NewNull(48000, 128)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad bit resolution", Config{Mode: ModeServer, BitResolution: 12}},
		{"queue too short", Config{Mode: ModeServer, QueueLen: 1}},
		{"redundancy too high", Config{Mode: ModeServer, Redundancy: 99}},
		{"client without host", Config{Mode: ModeClient}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, host)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfigInvalid)
		})
	}
}

func TestUnsupportedHostRateRefused(t *testing.T) {
	host := audiohost.NewNull(11025, 128)
	_, err := New(Config{Mode: ModeServer, LocalPort: 47001}, host)
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestNewSessionStartsUnbound(t *testing.T) {
	host := audiohost.NewNull(48000, 128)
	s, err := New(Config{Mode: ModeServer, LocalPort: 47002}, host)
	require.NoError(t, err)
	defer s.Stop()

	assert.Equal(t, StateUnbound, s.State())
}

func TestServerClientSessionPair(t *testing.T) {
	const controlPort = 47010

	serverHost := audiohost.NewNull(48000, 64)
	server, err := New(Config{
		Mode:      ModeServer,
		LocalPort: controlPort,
		Timeout:   2 * time.Second,
	}, serverHost)
	require.NoError(t, err)

	clientHost := audiohost.NewNull(48000, 64)
	client, err := New(Config{
		Mode:       ModeClient,
		RemoteHost: "127.0.0.1",
		LocalPort:  controlPort + 1,
		RemotePort: controlPort,
		Timeout:    2 * time.Second,
	}, clientHost)
	require.NoError(t, err)

	ctx := context.Background()

	serverStarted := make(chan error, 1)
	go func() { serverStarted <- server.Start(ctx) }()

	// Give the server a beat to bind its control socket.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, client.Start(ctx))

	require.NoError(t, <-serverStarted)

	// Both null hosts tick at period cadence; audio flows both ways and
	// the first received packet flips each side to running.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if server.State() == StateRunning && client.State() == StateRunning {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, StateRunning, server.State())
	assert.Equal(t, StateRunning, client.State())

	snap := client.Snapshot()
	assert.Greater(t, snap.PacketsSent, uint64(0))
	assert.Greater(t, snap.PacketsRecv, uint64(0))

	client.Stop()
	server.Stop()
	assert.Equal(t, StateStopped, client.State())
	assert.Equal(t, StateStopped, server.State())
}

func TestStopIsIdempotentAndBounded(t *testing.T) {
	host := audiohost.NewNull(48000, 128)
	s, err := New(Config{Mode: ModeServer, LocalPort: 47020, Timeout: time.Second}, host)
	require.NoError(t, err)

	start := time.Now()
	s.Stop()
	s.Stop()
	s.Stop()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateStopped, s.State())
	assert.NoError(t, s.Wait())
}

func TestAudioHostShutdownStopsSession(t *testing.T) {
	host := audiohost.NewNull(48000, 128)
	s, err := New(Config{Mode: ModeServer, LocalPort: 47021, Timeout: time.Second}, host)
	require.NoError(t, err)

	host.FailBackend(assert.AnError)

	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAudioHostShutdown)
	case <-time.After(5 * time.Second):
		t.Fatal("session never stopped after host shutdown")
	}
}

func TestBroadcastRingReceivesOutgoingPayloads(t *testing.T) {
	host := audiohost.NewNull(48000, 64)
	s, err := New(Config{
		Mode:           ModeServer,
		LocalPort:      47022,
		BroadcastQueue: 16,
	}, host)
	require.NoError(t, err)
	defer s.Stop()

	require.NotNil(t, s.BroadcastRing())
	s.Engine().Start()

	in := [][]float32{make([]float32, 64), make([]float32, 64)}
	out := [][]float32{make([]float32, 64), make([]float32, 64)}
	s.Engine().Process(in, out)

	assert.Equal(t, 1, s.BroadcastRing().Occupancy())
	dst := make([]byte, s.BroadcastRing().SlotSize())
	assert.Equal(t, ring.ReadOK, s.BroadcastRing().Read(dst))
}

func TestSnapshotLineFormat(t *testing.T) {
	snap := Snapshot{
		Timestamp:   time.Unix(1700000000, 0),
		PacketsSent: 10,
		PacketsRecv: 9,
		SeqGaps:     1,
		Recv:        ring.Stats{Underruns: 2, Overflows: 3, MeanOccupancy: 1.5},
	}
	assert.Equal(t, "1700000000 10 9 1 2 3 1.50", snap.Line())
}
