// ABOUTME: Hub listener: control-port accept loop and worker pool
// ABOUTME: Hands out ephemeral ports, bounds concurrency, rewires on churn
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/jamlink-audio/jamlink-go/internal/audiohost"
	"github.com/jamlink-audio/jamlink-go/internal/netio"
	"github.com/jamlink-audio/jamlink-go/pkg/packet"
	"github.com/jamlink-audio/jamlink-go/pkg/ring"
	"github.com/jamlink-audio/jamlink-go/pkg/session"
)

// DefaultBasePort is the first worker data port.
const DefaultBasePort = 61002

// DefaultMaxWorkers bounds the concurrent peer count.
const DefaultMaxWorkers = 4

// Config holds the hub parameters.
type Config struct {
	Port       int // control port, default 4464
	BasePort   int // first worker data port, default 61002
	MaxWorkers int // pool bound, default 4

	Channels       int
	BitResolution  uint8
	QueueLen       int
	Redundancy     int
	UnderrunPolicy ring.UnderrunPolicy
	Timeout        time.Duration
	RTPriority     bool

	Policy     Policy
	MatrixFile string // ReservedMatrix source

	ClientName string
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = session.DefaultPort
	}
	if c.BasePort == 0 {
		c.BasePort = DefaultBasePort
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.Channels == 0 {
		c.Channels = 2
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
	if c.ClientName == "" {
		c.ClientName = "jamlink-hub"
	}
	return c
}

// Listener is the hub's accept loop plus worker pool.
type Listener struct {
	cfg      Config
	host     audiohost.Host
	header   packet.Header
	mixer    *Mixer
	reserved [][]float32

	control *net.UDPConn

	mu      sync.Mutex
	workers []*Worker

	mismatches uint64 // guarded by mu

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewListener builds the hub against the shared audio host.
func NewListener(cfg Config, host audiohost.Host) (*Listener, error) {
	cfg = cfg.withDefaults()

	rate := packet.SamplingRateFromHz(host.SampleRate())
	if rate == packet.SRUndef {
		return nil, fmt.Errorf("hub: host sample rate %d not in the supported set", host.SampleRate())
	}
	if !packet.ValidBitResolution(cfg.BitResolution) {
		return nil, fmt.Errorf("hub: bit resolution %d not in {8,16,24,32}", cfg.BitResolution)
	}

	var reserved [][]float32
	if cfg.Policy == ReservedMatrix {
		var err error
		if reserved, err = LoadMatrixFile(cfg.MatrixFile); err != nil {
			return nil, err
		}
	}

	l := &Listener{
		cfg:  cfg,
		host: host,
		header: packet.Header{
			BufferSize:     uint16(host.BufferSize()),
			SamplingRate:   rate,
			BitResolution:  cfg.BitResolution,
			NumInChannels:  uint8(cfg.Channels),
			NumOutChannels: uint8(cfg.Channels),
		},
		mixer:    NewMixer(cfg.MaxWorkers, cfg.Channels, host.BufferSize(), cfg.BitResolution),
		reserved: reserved,
		workers:  make([]*Worker, cfg.MaxWorkers),
		stopped:  make(chan struct{}),
	}

	if _, err := host.RegisterPorts(cfg.ClientName, cfg.Channels, cfg.Channels); err != nil {
		return nil, err
	}
	host.SetProcessCallback(l.mixer.Process)
	host.SetShutdownCallback(func(err error) {
		log.Printf("hub: audio host shut down: %v", err)
		go l.Stop()
	})
	return l, nil
}

// Start binds the control port and launches the accept loop.
func (l *Listener) Start(ctx context.Context) error {
	control, err := net.ListenUDP("udp", &net.UDPAddr{Port: l.cfg.Port})
	if err != nil {
		return fmt.Errorf("%w: control port %d: %v", netio.ErrBindFailed, l.cfg.Port, err)
	}
	l.control = control
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.rewire()
	if err := l.host.Start(); err != nil {
		control.Close()
		return err
	}

	log.Printf("hub: accepting peers on port %d (%d slots, policy %s)",
		l.cfg.Port, l.cfg.MaxWorkers, l.cfg.Policy)
	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	buf := make([]byte, 256)
	for {
		if l.ctx.Err() != nil {
			return
		}
		l.control.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := l.control.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			log.Printf("hub: control read: %v", err)
			continue
		}
		if n < packet.HeaderSize {
			continue
		}
		hdr, err := packet.ParseHeader(buf[:n])
		if err != nil {
			continue
		}
		l.accept(hdr, addr)
	}
}

// accept validates one probe and either spawns a worker or replies busy.
func (l *Listener) accept(hdr packet.Header, addr *net.UDPAddr) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !hdr.Matches(&l.header) {
		l.mismatches++
		log.Printf("hub: dropping probe from %s: incompatible parameters", addr)
		return
	}

	// A peer re-probing its own live slot gets the same port again
	// (its first reply was likely lost).
	for _, w := range l.workers {
		if w != nil && w.Peer.IP.Equal(addr.IP) && w.Peer.Port == addr.Port {
			session.ReplyPort(l.control, addr, w.Port())
			return
		}
	}

	slot := -1
	for i, w := range l.workers {
		if w == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		log.Printf("hub: pool full, rejecting %s", addr)
		session.ReplyPort(l.control, addr, 0)
		return
	}

	w, err := newWorker(workerConfig{
		slot:       slot,
		header:     l.header,
		localPort:  l.cfg.BasePort + slot,
		peer:       addr,
		queueLen:   l.cfg.QueueLen,
		redundancy: l.cfg.Redundancy,
		timeout:    l.cfg.Timeout,
		policy:     l.cfg.UnderrunPolicy,
		rtPriority: l.cfg.RTPriority,
	})
	if err != nil {
		log.Printf("hub: spawn failed: %v", err)
		session.ReplyPort(l.control, addr, 0)
		return
	}

	l.workers[slot] = w
	l.rewireLocked()
	w.start(l.ctx, l.reap)

	if err := session.ReplyPort(l.control, addr, w.Port()); err != nil {
		log.Printf("hub: port reply to %s failed: %v", addr, err)
	}
	log.Printf("hub: worker %d spawned for %s on port %d", slot, addr, w.Port())
}

// reap frees a stopped worker's slot and rewires.
func (l *Listener) reap(w *Worker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.workers[w.Slot] == w {
		l.workers[w.Slot] = nil
		l.rewireLocked()
		log.Printf("hub: worker %d reaped", w.Slot)
	}
}

func (l *Listener) rewire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rewireLocked()
}

// rewireLocked publishes a fresh routing snapshot. Caller holds mu.
func (l *Listener) rewireLocked() {
	active := make([]bool, l.cfg.MaxWorkers)
	for i, w := range l.workers {
		active[i] = w != nil
	}
	routing := BuildRouting(l.cfg.Policy, l.cfg.MaxWorkers, active, l.reserved)
	l.mixer.Publish(routing, l.workers)
}

// Workers returns the active worker count and pool size.
func (l *Listener) Workers() (active, max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.workers {
		if w != nil {
			active++
		}
	}
	return active, l.cfg.MaxWorkers
}

// Mismatches returns the dropped-probe count.
func (l *Listener) Mismatches() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mismatches
}

// Stop closes the control socket, stops every worker and the device.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		if l.control != nil {
			l.control.Close()
		}

		l.mu.Lock()
		workers := make([]*Worker, len(l.workers))
		copy(workers, l.workers)
		l.mu.Unlock()
		for _, w := range workers {
			if w != nil {
				w.stop()
			}
		}

		l.wg.Wait()
		l.host.Stop()
		close(l.stopped)
		log.Printf("hub: stopped")
	})
}

// Done is closed once the hub has fully stopped.
func (l *Listener) Done() <-chan struct{} { return l.stopped }
