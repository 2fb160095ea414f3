// ABOUTME: Shared-device audio callback applying the hub routing matrix
// ABOUTME: Pulls worker receive rings, mixes strips, feeds worker send rings
package hub

import (
	"sync/atomic"

	"github.com/jamlink-audio/jamlink-go/pkg/packet"
)

// patchState is one immutable rewire generation: the routing matrix plus
// the worker pool it was built for. The mixer loads it once per period.
type patchState struct {
	routing *Routing
	workers []*Worker // len maxWorkers, nil for free slots
}

// Mixer renders all hub audio through the shared device. Its Process is
// the device's periodic callback; everything it touches per period is
// pre-allocated here, and the only cross-thread handoffs are the worker
// rings and the patch-state pointer.
type Mixer struct {
	channels int
	frames   int
	bitRes   uint8

	state atomic.Pointer[patchState]

	// stripBufs[0] is the server capture strip; stripBufs[1+slot] holds
	// worker slot's received audio. mixBuf accumulates one sink.
	stripBufs [][][]float32
	mixBuf    [][]float32
	recvBytes []byte
	sendBytes []byte
}

// NewMixer pre-allocates for a pool of maxWorkers strips.
func NewMixer(maxWorkers, channels, frames int, bitRes uint8) *Mixer {
	n := strips(maxWorkers)
	stripBufs := make([][][]float32, n)
	for i := range stripBufs {
		stripBufs[i] = newStrip(channels, frames)
	}
	size := packet.PayloadSize(channels, frames, bitRes)
	return &Mixer{
		channels:  channels,
		frames:    frames,
		bitRes:    bitRes,
		stripBufs: stripBufs,
		mixBuf:    newStrip(channels, frames),
		recvBytes: make([]byte, size),
		sendBytes: make([]byte, size),
	}
}

func newStrip(channels, frames int) [][]float32 {
	bufs := make([][]float32, channels)
	for c := range bufs {
		bufs[c] = make([]float32, frames)
	}
	return bufs
}

// Publish swaps in a new patch generation. Called with the listener's
// worker table lock held; the callback picks it up on its next period.
func (m *Mixer) Publish(routing *Routing, workers []*Worker) {
	snapshot := make([]*Worker, len(workers))
	copy(snapshot, workers)
	m.state.Store(&patchState{routing: routing, workers: snapshot})
}

// Process is the shared device callback: unpack every active worker
// strip, mix per the routing matrix, pack each worker's sink and the
// server's playback.
func (m *Mixer) Process(in, out [][]float32) {
	st := m.state.Load()
	if st == nil {
		for c := range out {
			zero(out[c])
		}
		return
	}

	blockBytes := m.frames * packet.BytesPerSample(m.bitRes)

	// Source strips: server capture, then each active worker's stream.
	for c := 0; c < m.channels && c < len(in); c++ {
		copy(m.stripBufs[0][c], in[c][:m.frames])
	}
	for slot, w := range st.workers {
		strip := m.stripBufs[1+slot]
		if w == nil {
			// Freed slots must not leak their last audio into mixes that
			// still reference them (reserved matrices can).
			for c := range strip {
				zero(strip[c])
			}
			continue
		}
		w.recvRing.Read(m.recvBytes)
		for c := 0; c < m.channels; c++ {
			packet.UnpackSamples(strip[c], m.recvBytes[c*blockBytes:(c+1)*blockBytes], m.bitRes)
		}
	}

	// Server playback sink.
	m.mixSink(st, 0)
	for c := 0; c < m.channels && c < len(out); c++ {
		copy(out[c][:m.frames], m.mixBuf[c])
	}

	// Worker send sinks.
	for slot, w := range st.workers {
		if w == nil {
			continue
		}
		m.mixSink(st, 1+slot)
		for c := 0; c < m.channels; c++ {
			packet.PackSamples(m.sendBytes[c*blockBytes:(c+1)*blockBytes], m.mixBuf[c], m.bitRes)
		}
		w.sendRing.Write(m.sendBytes)
		w.proto.Wake()
	}
}

// mixSink accumulates all source strips into mixBuf per the sink's row.
func (m *Mixer) mixSink(st *patchState, sink int) {
	for c := 0; c < m.channels; c++ {
		zero(m.mixBuf[c])
	}
	row := st.routing.Gains[sink]
	for src, gain := range row {
		if gain == 0 {
			continue
		}
		strip := m.stripBufs[src]
		for c := 0; c < m.channels; c++ {
			dst, s := m.mixBuf[c], strip[c]
			for j := 0; j < m.frames; j++ {
				dst[j] += gain * s[j]
			}
		}
	}
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
