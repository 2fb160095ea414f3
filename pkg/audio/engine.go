// ABOUTME: Real-time audio engine: per-period packet pack/unpack and plugins
// ABOUTME: Runs between the host callback and the two session rings
package audio

import (
	"fmt"
	"sync/atomic"

	"github.com/jamlink-audio/jamlink-go/pkg/packet"
	"github.com/jamlink-audio/jamlink-go/pkg/ring"
)

// replayFadeFrames is the fade-out length applied to wavetable replays,
// clamped to the period size.
const replayFadeFrames = 32

// State is the engine lifecycle state.
type State int32

const (
	StateUninit State = iota
	StateReady
	StateRunning
	StateClosed
)

// Config holds the fixed per-session engine parameters.
type Config struct {
	ChannelsIn    int
	ChannelsOut   int
	BitResolution uint8
	PeriodFrames  int

	// ReplayFade ramps wavetable replays linearly to silence over the
	// trailing frames of the period to soften repeated-buffer edges. The
	// tail is not crossfaded into the following period.
	ReplayFade bool
}

// Validate checks the config against the supported parameter space.
func (c Config) Validate() error {
	if !packet.ValidBitResolution(c.BitResolution) {
		return fmt.Errorf("audio: bit resolution %d not in {8,16,24,32}", c.BitResolution)
	}
	if c.ChannelsIn < 1 || c.ChannelsIn > 255 || c.ChannelsOut < 1 || c.ChannelsOut > 255 {
		return fmt.Errorf("audio: channel count out of range (in=%d out=%d)", c.ChannelsIn, c.ChannelsOut)
	}
	if c.PeriodFrames < 1 || c.PeriodFrames > 65535 {
		return fmt.Errorf("audio: period of %d frames out of range", c.PeriodFrames)
	}
	return nil
}

// Engine drives the per-period audio work. One audio-host thread calls
// Process; every other method is for the control thread.
type Engine struct {
	cfg   Config
	state atomic.Int32

	recv      *ring.Ring
	send      *ring.Ring
	broadcast *ring.Ring // optional second consumer feed, larger queue
	wake      func()     // non-blocking nudge for the sender loop

	toNet   []ProcessPlugin
	fromNet []ProcessPlugin

	// Pre-allocated scratch. recvBytes/sendBytes are one payload each;
	// chainA/chainB ping-pong through the plugin chains.
	recvBytes []byte
	sendBytes []byte
	chainA    [][]float32
	chainB    [][]float32

	bps int
}

// NewEngine creates an engine wired to its receive and send rings. wake is
// called (never blocking) after each payload pushed to the send ring; it
// may be nil.
func NewEngine(cfg Config, recv, send *ring.Ring, wake func()) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	maxCh := cfg.ChannelsIn
	if cfg.ChannelsOut > maxCh {
		maxCh = cfg.ChannelsOut
	}
	e := &Engine{
		cfg:       cfg,
		recv:      recv,
		send:      send,
		wake:      wake,
		recvBytes: make([]byte, packet.PayloadSize(cfg.ChannelsOut, cfg.PeriodFrames, cfg.BitResolution)),
		sendBytes: make([]byte, packet.PayloadSize(cfg.ChannelsIn, cfg.PeriodFrames, cfg.BitResolution)),
		chainA:    newChannelBuffers(maxCh, cfg.PeriodFrames),
		chainB:    newChannelBuffers(maxCh, cfg.PeriodFrames),
		bps:       packet.BytesPerSample(cfg.BitResolution),
	}
	e.state.Store(int32(StateReady))
	return e, nil
}

func newChannelBuffers(channels, frames int) [][]float32 {
	bufs := make([][]float32, channels)
	for i := range bufs {
		bufs[i] = make([]float32, frames)
	}
	return bufs
}

// Config returns the engine's fixed parameters.
func (e *Engine) Config() Config { return e.cfg }

// State returns the lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// SetBroadcast installs a second ring fed with every outgoing payload,
// for monitor subscribers that tolerate a deeper queue. Must be called
// before Start.
func (e *Engine) SetBroadcast(r *ring.Ring) {
	if e.State() == StateReady {
		e.broadcast = r
	}
}

// Start marks the engine running. Plugin chains are frozen from here on.
func (e *Engine) Start() {
	e.state.CompareAndSwap(int32(StateReady), int32(StateRunning))
}

// Close marks the engine closed. A closed engine's Process is a no-op, so
// a host callback racing a shutdown stays harmless.
func (e *Engine) Close() {
	e.state.Store(int32(StateClosed))
}

// AppendProcessPluginToNetwork appends p to the capture-side chain.
// Plugins must be appended before Start so the chain list never mutates
// under the callback.
func (e *Engine) AppendProcessPluginToNetwork(p ProcessPlugin) error {
	return e.appendPlugin(&e.toNet, p, e.cfg.ChannelsIn)
}

// AppendProcessPluginFromNetwork appends p to the playback-side chain.
func (e *Engine) AppendProcessPluginFromNetwork(p ProcessPlugin) error {
	return e.appendPlugin(&e.fromNet, p, e.cfg.ChannelsOut)
}

func (e *Engine) appendPlugin(chain *[]ProcessPlugin, p ProcessPlugin, channels int) error {
	if e.State() != StateReady {
		return fmt.Errorf("audio: plugins may only be appended before the engine runs")
	}
	if p.NumInputs() != channels || p.NumOutputs() != channels {
		return fmt.Errorf("audio: plugin wants %d in / %d out, session has %d channels",
			p.NumInputs(), p.NumOutputs(), channels)
	}
	*chain = append(*chain, p)
	return nil
}

// Process is the periodic callback. in holds ChannelsIn capture buffers,
// out holds ChannelsOut playback buffers, each PeriodFrames long.
//
// Per-period order: receive-ring read, unpack to out, from-network chain,
// to-network chain summed with live input, pack, send-ring push.
func (e *Engine) Process(in, out [][]float32) {
	if State(e.state.Load()) != StateRunning {
		for c := range out {
			zeroFill(out[c])
		}
		return
	}

	frames := e.cfg.PeriodFrames
	blockBytes := frames * e.bps

	// 1-2. Pull one payload and unpack channel-major into out.
	res := e.recv.Read(e.recvBytes)
	for c := 0; c < e.cfg.ChannelsOut; c++ {
		packet.UnpackSamples(out[c][:frames], e.recvBytes[c*blockBytes:(c+1)*blockBytes], e.cfg.BitResolution)
	}
	if res == ring.ReadReplayed && e.cfg.ReplayFade {
		e.fadeTail(out)
	}

	// 3. Playback-side plugin chain over a copy, result back into out.
	if len(e.fromNet) > 0 {
		e.runChain(e.fromNet, out, out, e.cfg.ChannelsOut, frames)
	}

	// 4. Capture-side chain over a copy of the live input, summed with it.
	src := in
	if len(e.toNet) > 0 {
		e.runChain(e.toNet, in, e.chainA, e.cfg.ChannelsIn, frames)
		for c := 0; c < e.cfg.ChannelsIn; c++ {
			dst, live := e.chainA[c], in[c]
			for j := 0; j < frames; j++ {
				dst[j] += live[j]
			}
		}
		src = e.chainA
	}

	// 5-6. Pack channel-major and push to the send ring.
	for c := 0; c < e.cfg.ChannelsIn; c++ {
		packet.PackSamples(e.sendBytes[c*blockBytes:(c+1)*blockBytes], src[c][:frames], e.cfg.BitResolution)
	}
	e.send.Write(e.sendBytes)
	if e.broadcast != nil {
		e.broadcast.Write(e.sendBytes)
	}
	if e.wake != nil {
		e.wake()
	}
}

// runChain copies src into scratch, walks the plugins in append order and
// leaves the result in dst. src and dst may be the same buffers.
func (e *Engine) runChain(chain []ProcessPlugin, src, dst [][]float32, channels, frames int) {
	cur, next := e.chainA, e.chainB
	if &dst[0] == &e.chainA[0] {
		cur, next = e.chainB, e.chainA
	}
	for c := 0; c < channels; c++ {
		copy(cur[c][:frames], src[c][:frames])
	}
	for _, p := range chain {
		p.Compute(frames, cur[:channels], next[:channels])
		cur, next = next, cur
	}
	for c := 0; c < channels; c++ {
		copy(dst[c][:frames], cur[c][:frames])
	}
}

// fadeTail ramps the trailing frames of a replayed period toward silence.
func (e *Engine) fadeTail(out [][]float32) {
	frames := e.cfg.PeriodFrames
	k := replayFadeFrames
	if k > frames {
		k = frames
	}
	for c := 0; c < e.cfg.ChannelsOut; c++ {
		buf := out[c]
		for j := 0; j < k; j++ {
			gain := float32(k-1-j) / float32(k)
			buf[frames-k+j] *= gain
		}
	}
}

func zeroFill(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
