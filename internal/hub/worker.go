// ABOUTME: Hub worker: one peer's UDP data plane inside the pool
// ABOUTME: Owns the worker lifecycle from spawn through reap
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"github.com/jamlink-audio/jamlink-go/internal/netio"
	"github.com/jamlink-audio/jamlink-go/pkg/packet"
	"github.com/jamlink-audio/jamlink-go/pkg/ring"
)

// Worker lifecycle state names.
const (
	WorkerSpawning = "spawning"
	WorkerRunning  = "running"
	WorkerStopping = "stopping"
	WorkerReaped   = "reaped"
)

// Worker carries one peer's stream through the hub. Its audio side is the
// shared Mixer; it owns only rings and the UDP loops.
type Worker struct {
	Slot int
	ID   uuid.UUID
	Peer *net.UDPAddr

	recvRing *ring.Ring
	sendRing *ring.Ring
	proto    *netio.Protocol

	machine *fsm.FSM
	cancel  context.CancelFunc
	group   *errgroup.Group

	// onStopped is the listener's reap hook, fired exactly once.
	onStopped func(*Worker)
}

// workerConfig is what the listener passes down per accept.
type workerConfig struct {
	slot       int
	header     packet.Header
	localPort  int
	peer       *net.UDPAddr
	queueLen   int
	redundancy int
	timeout    time.Duration
	policy     ring.UnderrunPolicy
	rtPriority bool
}

// newWorker builds the rings and data plane for one accepted peer. The
// preferred port is the hub's base ephemeral port plus the slot; if that
// is taken an OS-assigned port is used instead.
func newWorker(cfg workerConfig) (*Worker, error) {
	size := packet.PayloadSize(int(cfg.header.NumInChannels), int(cfg.header.BufferSize), cfg.header.BitResolution)
	recvRing, err := ring.New(size, cfg.queueLen, cfg.policy)
	if err != nil {
		return nil, err
	}
	sendRing, err := ring.New(size, cfg.queueLen, ring.Zeros)
	if err != nil {
		return nil, err
	}

	netCfg := netio.Config{
		LocalPort:  cfg.localPort,
		Peer:       cfg.peer,
		Header:     cfg.header,
		Redundancy: cfg.redundancy,
		Timeout:    cfg.timeout,
		RTPriority: cfg.rtPriority,
	}
	proto, err := netio.New(netCfg, sendRing, recvRing)
	if errors.Is(err, netio.ErrBindFailed) {
		netCfg.LocalPort = 0
		proto, err = netio.New(netCfg, sendRing, recvRing)
	}
	if err != nil {
		return nil, fmt.Errorf("hub: worker %d: %w", cfg.slot, err)
	}

	w := &Worker{
		Slot:     cfg.slot,
		ID:       uuid.New(),
		Peer:     cfg.peer,
		recvRing: recvRing,
		sendRing: sendRing,
		proto:    proto,
	}
	w.machine = fsm.NewFSM(
		WorkerSpawning,
		fsm.Events{
			{Name: "run", Src: []string{WorkerSpawning}, Dst: WorkerRunning},
			{Name: "stop", Src: []string{WorkerSpawning, WorkerRunning}, Dst: WorkerStopping},
			{Name: "reaped", Src: []string{WorkerStopping}, Dst: WorkerReaped},
		},
		fsm.Callbacks{},
	)
	return w, nil
}

// Port returns the worker's negotiated data port.
func (w *Worker) Port() int { return w.proto.LocalAddr().Port }

// State returns the lifecycle state name.
func (w *Worker) State() string { return w.machine.Current() }

// start launches the worker's loops. A dead peer (timeout or socket
// close) tears the worker down and triggers the listener's reap.
func (w *Worker) start(ctx context.Context, onStopped func(*Worker)) {
	w.onStopped = onStopped
	ctx, w.cancel = context.WithCancel(ctx)
	w.group, ctx = errgroup.WithContext(ctx)

	w.proto.OnFirstPacket = func() {
		if err := w.machine.Event(context.Background(), "run"); err == nil {
			log.Printf("hub: worker %d (%s) running for %s", w.Slot, w.ID, w.Peer)
		}
	}

	w.group.Go(func() error { return w.proto.RunSender(ctx) })
	w.group.Go(func() error {
		err := w.proto.RunReceiver(ctx)
		if err != nil {
			log.Printf("hub: worker %d: %v", w.Slot, err)
		}
		// Either path means this peer is done; schedule the reap off the
		// group so stop can join both loops.
		go w.stop()
		return err
	})
}

// stop tears the worker down once and reports to the listener.
func (w *Worker) stop() {
	if err := w.machine.Event(context.Background(), "stop"); err != nil {
		return // already stopping
	}
	w.cancel()
	w.proto.Close()
	w.group.Wait()
	w.machine.Event(context.Background(), "reaped")
	if w.onStopped != nil {
		w.onStopped(w)
	}
}
