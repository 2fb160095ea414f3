// ABOUTME: Session lifecycle: composition of engine, rings and UDP protocol
// ABOUTME: Handles handshake, supervision, fatal-error funnel and stop
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"github.com/jamlink-audio/jamlink-go/internal/audiohost"
	"github.com/jamlink-audio/jamlink-go/internal/netio"
	"github.com/jamlink-audio/jamlink-go/pkg/audio"
	"github.com/jamlink-audio/jamlink-go/pkg/packet"
	"github.com/jamlink-audio/jamlink-go/pkg/ring"
)

// Mode selects which handshake side this session plays.
type Mode int

const (
	// ModeServer awaits one peer's probe on the control port.
	ModeServer Mode = iota
	// ModeClient probes a remote server.
	ModeClient
)

// Lifecycle state names; State mirrors the underlying machine.
const (
	StateUnbound    = "unbound"
	StateListening  = "listening"
	StateConnecting = "connecting"
	StateRunning    = "running"
	StateStopping   = "stopping"
	StateStopped    = "stopped"
)

// Config holds the per-session parameters. Everything is immutable once
// Start has been called.
type Config struct {
	Mode       Mode
	RemoteHost string // client mode peer
	LocalPort  int    // control/data port, default 4464
	RemotePort int    // peer control port, default 4464

	ChannelsIn     int
	ChannelsOut    int
	BitResolution  uint8
	QueueLen       int // jitter buffer length in periods
	Redundancy     int
	UnderrunPolicy ring.UnderrunPolicy
	ReplayFade     bool

	Timeout          time.Duration // peer-silence window
	StopOnTimeout    bool
	HandshakeTimeout time.Duration

	ClientName     string
	RTPriority     bool
	Sim            netio.Impairment
	BroadcastQueue int // extra monitor ring length, 0 disables
}

func (c Config) withDefaults() Config {
	if c.LocalPort == 0 {
		c.LocalPort = DefaultPort
	}
	if c.RemotePort == 0 {
		c.RemotePort = DefaultPort
	}
	if c.ChannelsIn == 0 {
		c.ChannelsIn = 2
	}
	if c.ChannelsOut == 0 {
		c.ChannelsOut = c.ChannelsIn
	}
	if c.BitResolution == 0 {
		c.BitResolution = packet.Bit16
	}
	if c.QueueLen == 0 {
		c.QueueLen = 4
	}
	if c.Redundancy == 0 {
		c.Redundancy = 1
	}
	if c.Timeout == 0 {
		c.Timeout = netio.DefaultTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ClientName == "" {
		c.ClientName = "jamlink"
	}
	return c
}

func (c Config) validate() error {
	if !packet.ValidBitResolution(c.BitResolution) {
		return fmt.Errorf("%w: bit resolution %d not in {8,16,24,32}", ErrConfigInvalid, c.BitResolution)
	}
	if c.ChannelsIn < 1 || c.ChannelsIn > 255 || c.ChannelsOut < 1 || c.ChannelsOut > 255 {
		return fmt.Errorf("%w: channel count out of range", ErrConfigInvalid)
	}
	if c.QueueLen < 2 || c.QueueLen > 4096 {
		return fmt.Errorf("%w: queue length %d out of range", ErrConfigInvalid, c.QueueLen)
	}
	if c.Redundancy < 1 || c.Redundancy > 16 {
		return fmt.Errorf("%w: redundancy %d out of range", ErrConfigInvalid, c.Redundancy)
	}
	if c.LocalPort < 1 || c.LocalPort > 65535 || c.RemotePort < 1 || c.RemotePort > 65535 {
		return fmt.Errorf("%w: port out of range", ErrConfigInvalid)
	}
	if c.Mode == ModeClient && c.RemoteHost == "" {
		return fmt.Errorf("%w: client mode needs a remote host", ErrConfigInvalid)
	}
	return nil
}

// Session is one bidirectional peer stream.
type Session struct {
	ID  uuid.UUID
	cfg Config

	host      audiohost.Host
	engine    *audio.Engine
	sendRing  *ring.Ring
	recvRing  *ring.Ring
	broadcast *ring.Ring
	proto     *netio.Protocol
	header    packet.Header

	machine *fsm.FSM
	cancel  context.CancelFunc
	group   *errgroup.Group

	errOnce  sync.Once
	fatalErr error
	errCh    chan error

	stopOnce sync.Once
	stopped  chan struct{}
	started  bool
}

// New builds a session against the given audio host. The host's rate and
// period become the session's wire parameters.
func New(cfg Config, host audiohost.Host) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rate := packet.SamplingRateFromHz(host.SampleRate())
	if rate == packet.SRUndef {
		return nil, fmt.Errorf("%w: host sample rate %d not in the supported set", ErrConfigInvalid, host.SampleRate())
	}
	frames := host.BufferSize()

	hdr := packet.Header{
		BufferSize:     uint16(frames),
		SamplingRate:   rate,
		BitResolution:  cfg.BitResolution,
		NumInChannels:  uint8(cfg.ChannelsIn),
		NumOutChannels: uint8(cfg.ChannelsOut),
	}

	recvRing, err := ring.New(packet.PayloadSize(cfg.ChannelsOut, frames, cfg.BitResolution), cfg.QueueLen, cfg.UnderrunPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	sendRing, err := ring.New(packet.PayloadSize(cfg.ChannelsIn, frames, cfg.BitResolution), cfg.QueueLen, ring.Zeros)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	// A server's data socket is ephemeral; the control port is bound
	// separately during the handshake. Clients keep one socket for both.
	dataPort := cfg.LocalPort
	if cfg.Mode == ModeServer {
		dataPort = 0
	}
	proto, err := netio.New(netio.Config{
		LocalPort:  dataPort,
		Header:     hdr,
		Redundancy: cfg.Redundancy,
		Timeout:    cfg.Timeout,
		RTPriority: cfg.RTPriority,
		Sim:        cfg.Sim,
	}, sendRing, recvRing)
	if err != nil {
		return nil, err
	}

	engine, err := audio.NewEngine(audio.Config{
		ChannelsIn:    cfg.ChannelsIn,
		ChannelsOut:   cfg.ChannelsOut,
		BitResolution: cfg.BitResolution,
		PeriodFrames:  frames,
		ReplayFade:    cfg.ReplayFade,
	}, recvRing, sendRing, proto.Wake)
	if err != nil {
		proto.Close()
		return nil, err
	}

	s := &Session{
		ID:       uuid.New(),
		cfg:      cfg,
		host:     host,
		engine:   engine,
		sendRing: sendRing,
		recvRing: recvRing,
		proto:    proto,
		header:   hdr,
		errCh:    make(chan error, 1),
		stopped:  make(chan struct{}),
	}

	if cfg.BroadcastQueue > 0 {
		s.broadcast, err = ring.New(sendRing.SlotSize(), cfg.BroadcastQueue, ring.Zeros)
		if err != nil {
			proto.Close()
			return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
		engine.SetBroadcast(s.broadcast)
	}

	if _, err := host.RegisterPorts(cfg.ClientName, cfg.ChannelsIn, cfg.ChannelsOut); err != nil {
		proto.Close()
		return nil, err
	}
	host.SetProcessCallback(engine.Process)
	host.SetShutdownCallback(func(cause error) {
		s.fail(fmt.Errorf("%w: %v", ErrAudioHostShutdown, cause))
	})

	s.machine = fsm.NewFSM(
		StateUnbound,
		fsm.Events{
			{Name: "listen", Src: []string{StateUnbound}, Dst: StateListening},
			{Name: "connect", Src: []string{StateUnbound}, Dst: StateConnecting},
			{Name: "peer_up", Src: []string{StateListening, StateConnecting}, Dst: StateRunning},
			{Name: "stop", Src: []string{StateUnbound, StateListening, StateConnecting, StateRunning}, Dst: StateStopping},
			{Name: "done", Src: []string{StateStopping}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				log.Printf("session %s: %s -> %s", s.ID, e.Src, e.Dst)
			},
		},
	)

	// The supervisor turns the first fatal error into an orderly stop.
	// It lives for the whole session so a host shutdown before Start
	// still tears down cleanly.
	go func() {
		select {
		case err := <-s.errCh:
			log.Printf("session %s: stopping: %v", s.ID, err)
			s.Stop()
		case <-s.stopped:
		}
	}()

	return s, nil
}

// Engine exposes the audio engine for plugin attachment before Start.
func (s *Session) Engine() *audio.Engine { return s.engine }

// BroadcastRing returns the monitor feed, or nil when disabled.
func (s *Session) BroadcastRing() *ring.Ring { return s.broadcast }

// Header returns the negotiated stream parameters.
func (s *Session) Header() packet.Header { return s.header }

// LocalDataPort returns the bound data socket port.
func (s *Session) LocalDataPort() int { return s.proto.LocalAddr().Port }

// State returns the lifecycle state name.
func (s *Session) State() string { return s.machine.Current() }

// Start runs the handshake and launches the audio and network loops.
func (s *Session) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("session: started twice")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)

	var err error
	if s.cfg.Mode == ModeClient {
		err = s.connectHandshake(ctx)
	} else {
		err = s.listenHandshake(ctx)
	}
	if err != nil {
		s.cancel()
		return err
	}

	s.proto.OnFirstPacket = func() {
		if err := s.machine.Event(context.Background(), "peer_up"); err == nil {
			log.Printf("session %s: receiving from peer", s.ID)
		}
	}

	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error { return s.proto.RunSender(ctx) })
	s.group.Go(func() error { return s.receiverLoop(ctx) })

	if err := s.host.Start(); err != nil {
		s.Stop()
		return err
	}
	s.engine.Start()
	return nil
}

func (s *Session) connectHandshake(ctx context.Context) error {
	if err := s.machine.Event(ctx, "connect"); err != nil {
		return err
	}
	server, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.cfg.RemoteHost, fmt.Sprint(s.cfg.RemotePort)))
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s: %v", ErrConfigInvalid, s.cfg.RemoteHost, err)
	}
	log.Printf("session %s: probing %s", s.ID, server)
	peer, err := ClientHandshake(ctx, s.proto.Conn(), server, s.header, s.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}
	log.Printf("session %s: negotiated peer %s", s.ID, peer)
	s.proto.SetPeer(peer)
	return nil
}

func (s *Session) listenHandshake(ctx context.Context) error {
	if err := s.machine.Event(ctx, "listen"); err != nil {
		return err
	}
	control, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.cfg.LocalPort})
	if err != nil {
		return fmt.Errorf("%w: control port %d: %v", ErrBindFailed, s.cfg.LocalPort, err)
	}
	defer control.Close()

	log.Printf("session %s: awaiting peer on port %d", s.ID, s.cfg.LocalPort)
	probe, err := AwaitProbe(ctx, control, s.header, func() {
		s.proto.Counters().ConfigMismatch.Add(1)
	})
	if err != nil {
		return err
	}
	s.proto.SetPeer(probe.Addr)
	if err := ReplyPort(control, probe.Addr, s.LocalDataPort()); err != nil {
		return fmt.Errorf("session: port reply failed: %w", err)
	}
	log.Printf("session %s: peer %s moved to data port %d", s.ID, probe.Addr, s.LocalDataPort())
	return nil
}

// receiverLoop wraps the protocol receiver with the timeout policy: a
// peer timeout either ends the session or is logged while the jitter
// buffer keeps serving its underrun policy.
func (s *Session) receiverLoop(ctx context.Context) error {
	for {
		err := s.proto.RunReceiver(ctx)
		if err == nil {
			return nil
		}
		if !s.cfg.StopOnTimeout && ctx.Err() == nil && errors.Is(err, netio.ErrPeerTimeout) {
			log.Printf("session %s: %v; still listening", s.ID, err)
			s.proto.ResetLiveness()
			continue
		}
		if errors.Is(err, netio.ErrPeerStopped) {
			log.Printf("session %s: peer disconnected", s.ID)
		}
		s.fail(err)
		return err
	}
}

// fail records the first fatal error and wakes the supervisor. Safe from
// any thread; never blocks.
func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.fatalErr = err
		select {
		case s.errCh <- err:
		default:
		}
	})
}

// Stop tears the session down: engine first, then the socket (which
// unblocks both loops), then the host. Idempotent, bounded by twice the
// peer timeout.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.machine.Event(context.Background(), "stop")
		s.engine.Close()
		s.proto.SendGoodbye()
		if s.cancel != nil {
			s.cancel()
		}
		s.proto.Close()
		s.host.Stop()

		if s.group != nil {
			done := make(chan struct{})
			go func() {
				s.group.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * s.cfg.Timeout):
				log.Printf("session %s: loops did not drain in time", s.ID)
			}
		}

		s.machine.Event(context.Background(), "done")
		close(s.stopped)
	})
}

// Wait blocks until the session has stopped and returns the fatal error,
// or nil after a requested stop.
func (s *Session) Wait() error {
	<-s.stopped
	return s.fatalErr
}
