// ABOUTME: Wall-clock audio host for headless runs and tests
// ABOUTME: Drives the process callback at period cadence with silent capture
package audiohost

import (
	"fmt"
	"sync"
	"time"
)

// Null is a host with no device behind it. A ticker fires the callback
// once per period with silent capture buffers and discards playback.
// It keeps sessions usable on machines with no audio hardware and gives
// tests a deterministic driver via Tick.
type Null struct {
	sampleRate int
	bufferSize int

	callback ProcessFunc
	onDown   func(error)

	in  [][]float32
	out [][]float32

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewNull creates a null host at the given rate and period.
func NewNull(sampleRate, bufferSize int) *Null {
	return &Null{sampleRate: sampleRate, bufferSize: bufferSize}
}

// RegisterPorts allocates the callback buffers and returns port handles.
func (n *Null) RegisterPorts(clientName string, in, out int) ([]Port, error) {
	if in < 0 || out < 0 {
		return nil, fmt.Errorf("audiohost: negative port count")
	}
	n.in = make([][]float32, in)
	for i := range n.in {
		n.in[i] = make([]float32, n.bufferSize)
	}
	n.out = make([][]float32, out)
	for i := range n.out {
		n.out[i] = make([]float32, n.bufferSize)
	}
	return makePorts(clientName, in, out), nil
}

// SetProcessCallback installs the periodic callback.
func (n *Null) SetProcessCallback(fn ProcessFunc) { n.callback = fn }

// SetShutdownCallback installs the backend-death handler. The null host
// never dies on its own; tests may trigger it via FailBackend.
func (n *Null) SetShutdownCallback(fn func(error)) { n.onDown = fn }

// Start launches the ticker loop.
func (n *Null) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}
	if n.callback == nil {
		return fmt.Errorf("audiohost: no process callback installed")
	}
	n.running = true
	n.stop = make(chan struct{})
	n.done = make(chan struct{})

	period := time.Duration(n.bufferSize) * time.Second / time.Duration(n.sampleRate)
	go n.run(period)
	return nil
}

func (n *Null) run(period time.Duration) {
	defer close(n.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.fire()
		case <-n.stop:
			return
		}
	}
}

func (n *Null) fire() {
	for _, buf := range n.in {
		for i := range buf {
			buf[i] = 0
		}
	}
	n.callback(n.in, n.out)
}

// Tick fires the callback once, synchronously. Test hook; only valid
// while the host is not started.
func (n *Null) Tick() {
	n.fire()
}

// FailBackend simulates the device dying mid-run. Test hook.
func (n *Null) FailBackend(err error) {
	if n.onDown != nil {
		n.onDown(err)
	}
}

// Stop halts the ticker loop.
func (n *Null) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil
	}
	n.running = false
	close(n.stop)
	<-n.done
	return nil
}

// SampleRate returns the configured rate.
func (n *Null) SampleRate() int { return n.sampleRate }

// BufferSize returns the configured period length.
func (n *Null) BufferSize() int { return n.bufferSize }
