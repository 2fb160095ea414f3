// ABOUTME: UDP sender and receiver loops with sequence and redundancy logic
// ABOUTME: Bridges the session rings to the socket at soft real-time pace
package netio

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jamlink-audio/jamlink-go/pkg/packet"
	"github.com/jamlink-audio/jamlink-go/pkg/ring"
)

// ErrBindFailed means the local UDP port could not be bound.
var ErrBindFailed = errors.New("netio: local port bind failed")

// ErrPeerTimeout means no peer datagram arrived within the liveness window.
var ErrPeerTimeout = errors.New("netio: peer timed out")

// ErrPeerStopped means the peer sent its shutdown datagram. It reports an
// ordinary disconnect, not a failure.
var ErrPeerStopped = errors.New("netio: peer stopped")

// DefaultTimeout is the peer-silence window before ErrPeerTimeout.
const DefaultTimeout = 10 * time.Second

// receiverPoll bounds how long a blocking read can outlive a stop request.
const receiverPoll = time.Second

// Impairment configures the optional network fault simulation applied to
// outgoing datagrams.
type Impairment struct {
	Loss      float64       // drop probability per datagram, 0..1
	JitterMax time.Duration // uniform extra delay in [0, JitterMax]
	Delay     time.Duration // constant extra delay
}

func (im Impairment) enabled() bool {
	return im.Loss > 0 || im.JitterMax > 0 || im.Delay > 0
}

// Config holds the protocol parameters for one peer stream.
type Config struct {
	// LocalPort is the UDP port to bind, 0 for an ephemeral port.
	LocalPort int

	// Peer is the remote endpoint. May be nil until the handshake
	// resolves it; see SetPeer.
	Peer *net.UDPAddr

	// Header carries the session's negotiated stream parameters and is
	// matched against every incoming datagram.
	Header packet.Header

	// Redundancy is the payload count per datagram, >= 1.
	Redundancy int

	// Timeout is the peer-silence window; DefaultTimeout when zero.
	Timeout time.Duration

	// RTPriority pins the sender and receiver threads to SCHED_FIFO on
	// Linux when true.
	RTPriority bool

	// Sim is the optional impairment simulation.
	Sim Impairment
}

// Counters aggregates the protocol's atomic statistics.
type Counters struct {
	PacketsSent    atomic.Uint64
	PacketsRecv    atomic.Uint64
	BytesSent      atomic.Uint64
	BytesRecv      atomic.Uint64
	SendWouldBlock atomic.Uint64
	ConfigMismatch atomic.Uint64
	SimDropped     atomic.Uint64
	SocketErrors   atomic.Uint64
}

// Protocol is one session's UDP data plane.
type Protocol struct {
	cfg  Config
	conn *net.UDPConn

	sendRing *ring.Ring
	recvRing *ring.Ring

	asm *packet.Assembler
	ext *packet.Extractor

	payloadSize int
	start       time.Time
	wakeCh      chan struct{}

	peerMu sync.RWMutex
	peer   *net.UDPAddr

	// OnFirstPacket fires once, off the receive loop, when the first
	// valid peer datagram lands. Set before RunReceiver.
	OnFirstPacket func()

	counters  Counters
	firstSeen atomic.Bool
	lastRecv  atomic.Int64 // UnixNano of the newest valid datagram
}

// New binds the local socket and prepares both loops. The send payload
// size follows the input channel count, the receive size the output count.
func New(cfg Config, sendRing, recvRing *ring.Ring) (*Protocol, error) {
	if cfg.Redundancy < 1 {
		return nil, fmt.Errorf("netio: redundancy %d out of range", cfg.Redundancy)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.LocalPort})
	if err != nil {
		return nil, fmt.Errorf("%w: port %d: %v", ErrBindFailed, cfg.LocalPort, err)
	}
	tuneSocket(conn)

	sendSize := packet.PayloadSize(int(cfg.Header.NumInChannels), int(cfg.Header.BufferSize), cfg.Header.BitResolution)
	recvSize := packet.PayloadSize(int(cfg.Header.NumOutChannels), int(cfg.Header.BufferSize), cfg.Header.BitResolution)

	asm, err := packet.NewAssembler(cfg.Header, cfg.Redundancy, sendSize)
	if err != nil {
		conn.Close()
		return nil, err
	}

	p := &Protocol{
		cfg:         cfg,
		conn:        conn,
		sendRing:    sendRing,
		recvRing:    recvRing,
		asm:         asm,
		ext:         packet.NewExtractor(recvSize),
		payloadSize: recvSize,
		start:       time.Now(),
		wakeCh:      make(chan struct{}, 1),
		peer:        cfg.Peer,
	}
	p.lastRecv.Store(time.Now().UnixNano())
	return p, nil
}

// Conn exposes the bound socket for the pre-traffic handshake. Only
// valid before the receiver loop starts.
func (p *Protocol) Conn() *net.UDPConn { return p.conn }

// ResetLiveness restarts the peer-silence clock, used when a timeout is
// logged but the session is configured to keep waiting.
func (p *Protocol) ResetLiveness() {
	p.lastRecv.Store(time.Now().UnixNano())
}

// LocalAddr returns the bound socket address.
func (p *Protocol) LocalAddr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

// SetPeer installs or replaces the remote endpoint.
func (p *Protocol) SetPeer(addr *net.UDPAddr) {
	p.peerMu.Lock()
	p.peer = addr
	p.peerMu.Unlock()
}

func (p *Protocol) peerAddr() *net.UDPAddr {
	p.peerMu.RLock()
	defer p.peerMu.RUnlock()
	return p.peer
}

// Wake nudges the sender loop; safe from the audio callback (it never
// blocks and never allocates).
func (p *Protocol) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the protocol counters.
func (p *Protocol) Stats() (sent, recv, gaps, mismatches, outOfOrder uint64) {
	return p.counters.PacketsSent.Load(), p.counters.PacketsRecv.Load(),
		p.ext.Gaps(), p.counters.ConfigMismatch.Load(), p.ext.OutOfOrder()
}

// Counters exposes the raw counter block for the stats reporter.
func (p *Protocol) Counters() *Counters { return &p.counters }

// SendGoodbye tells the peer this side is shutting down: a header-only
// datagram on the data socket. Loss is acceptable; the peer's silence
// timeout covers it.
func (p *Protocol) SendGoodbye() {
	peer := p.peerAddr()
	if peer == nil {
		return
	}
	hdr := p.cfg.Header
	hdr.Seq = p.asm.Seq()
	hdr.Timestamp = uint64(time.Since(p.start).Milliseconds())
	p.conn.SetWriteDeadline(time.Now().Add(receiverPoll))
	p.conn.WriteToUDP(hdr.AppendTo(nil), peer)
}

// Close shuts the socket, unblocking both loops.
func (p *Protocol) Close() error {
	return p.conn.Close()
}

// RunSender drains the send ring into datagrams until ctx is done. Each
// wakeup drains every queued payload, so one late nudge cannot strand
// audio in the ring.
func (p *Protocol) RunSender(ctx context.Context) error {
	if p.cfg.RTPriority {
		if err := pinRealtime(); err != nil {
			log.Printf("netio: sender realtime priority unavailable: %v", err)
		}
	}

	payload := make([]byte, p.sendRing.SlotSize())
	var rng *rand.Rand
	if p.cfg.Sim.enabled() {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wakeCh:
		}
		for p.sendRing.TryRead(payload) {
			p.sendOne(payload, rng)
		}
	}
}

func (p *Protocol) sendOne(payload []byte, rng *rand.Rand) {
	peer := p.peerAddr()
	if peer == nil {
		return
	}

	wire := p.asm.Next(payload, uint64(time.Since(p.start).Milliseconds()))

	if rng != nil {
		if p.cfg.Sim.Loss > 0 && rng.Float64() < p.cfg.Sim.Loss {
			p.counters.SimDropped.Add(1)
			return
		}
		delay := p.cfg.Sim.Delay
		if p.cfg.Sim.JitterMax > 0 {
			delay += time.Duration(rng.Int63n(int64(p.cfg.Sim.JitterMax)))
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	// A full socket buffer shows up as a write deadline miss; the packet
	// is dropped and counted rather than stalling the loop.
	p.conn.SetWriteDeadline(time.Now().Add(receiverPoll))
	n, err := p.conn.WriteToUDP(wire, peer)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			p.counters.SendWouldBlock.Add(1)
			return
		}
		if !errors.Is(err, net.ErrClosed) {
			p.counters.SocketErrors.Add(1)
			log.Printf("netio: send error: %v", err)
		}
		return
	}
	p.counters.PacketsSent.Add(1)
	p.counters.BytesSent.Add(uint64(n))
}

// RunReceiver reads datagrams until ctx is done, the socket closes or the
// peer falls silent past the timeout.
func (p *Protocol) RunReceiver(ctx context.Context) error {
	if p.cfg.RTPriority {
		if err := pinRealtime(); err != nil {
			log.Printf("netio: receiver realtime priority unavailable: %v", err)
		}
	}

	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return nil
		}
		p.conn.SetReadDeadline(time.Now().Add(receiverPoll))
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if p.firstSeen.Load() && time.Since(time.Unix(0, p.lastRecv.Load())) > p.cfg.Timeout {
					return fmt.Errorf("%w: silent for %v", ErrPeerTimeout, p.cfg.Timeout)
				}
				continue
			}
			p.counters.SocketErrors.Add(1)
			log.Printf("netio: receive error: %v", err)
			continue
		}
		if err := p.handleDatagram(buf[:n], addr); err != nil {
			return err
		}
	}
}

func (p *Protocol) handleDatagram(data []byte, addr *net.UDPAddr) error {
	hdr, err := packet.ParseHeader(data)
	if err != nil {
		return nil
	}
	if !hdr.Matches(&p.cfg.Header) {
		p.counters.ConfigMismatch.Add(1)
		return nil
	}

	// A bare header on the data socket is the peer's goodbye.
	if len(data) == packet.HeaderSize {
		return fmt.Errorf("%w: goodbye from %s", ErrPeerStopped, addr)
	}

	p.counters.PacketsRecv.Add(1)
	p.counters.BytesRecv.Add(uint64(len(data)))
	p.lastRecv.Store(time.Now().UnixNano())

	p.ext.Extract(hdr.Seq, data[packet.HeaderSize:], func(seq uint16, payload []byte) {
		p.recvRing.Write(payload)
	})

	if p.firstSeen.CompareAndSwap(false, true) {
		// Late peers learn our data port from their first datagram.
		if p.peerAddr() == nil {
			p.SetPeer(addr)
		}
		if p.OnFirstPacket != nil {
			go p.OnFirstPacket()
		}
	}
	return nil
}
