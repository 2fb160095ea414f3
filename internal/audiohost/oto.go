// ABOUTME: Oto-backed audio host implementation
// ABOUTME: Renders playback through oto; capture ports deliver silence
package audiohost

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// oto allows exactly one context per process, so it lives at package
// scope and every later host reuses it; a host asking for a different
// rate or channel count gets the existing context and a logged warning.
var (
	otoCtx        *oto.Context
	otoSampleRate int
	otoChannels   int
)

// Oto is the playback host. The device paces the callback: each period
// the loop runs the callback, interleaves the playback buffers to 16-bit
// PCM and blocks on the player pipe until the device drains it. oto has
// no capture side, so capture buffers stay silent.
type Oto struct {
	sampleRate int
	bufferSize int
	chIn       int
	chOut      int

	callback ProcessFunc
	onDown   func(error)

	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	player     *oto.Player

	in  [][]float32
	out [][]float32
	pcm []byte

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewOto creates an oto-backed host at the given rate and period.
func NewOto(sampleRate, bufferSize int) *Oto {
	return &Oto{sampleRate: sampleRate, bufferSize: bufferSize}
}

// RegisterPorts brings up the oto context and allocates callback buffers.
// Registration is serialized process-wide; oto's setup is not reentrant.
func (o *Oto) RegisterPorts(clientName string, in, out int) ([]Port, error) {
	if out < 1 {
		return nil, fmt.Errorf("audiohost: oto host needs at least one playback port")
	}

	registrationMu.Lock()
	err := o.ensureContext(out)
	registrationMu.Unlock()
	if err != nil {
		return nil, err
	}

	o.chIn, o.chOut = in, out
	o.in = make([][]float32, in)
	for i := range o.in {
		o.in[i] = make([]float32, o.bufferSize)
	}
	o.out = make([][]float32, out)
	for i := range o.out {
		o.out[i] = make([]float32, o.bufferSize)
	}
	o.pcm = make([]byte, o.bufferSize*out*2)

	return makePorts(clientName, in, out), nil
}

func (o *Oto) ensureContext(channels int) error {
	if otoCtx != nil {
		if otoSampleRate != o.sampleRate || otoChannels != channels {
			// oto cannot reinitialize; keep the existing context and warn.
			log.Printf("audiohost: oto context already open at %dHz/%dch, requested %dHz/%dch",
				otoSampleRate, otoChannels, o.sampleRate, channels)
		}
		return nil
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   o.sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHostUnavailable, err)
	}
	<-ready
	otoCtx = ctx
	otoSampleRate = o.sampleRate
	otoChannels = channels
	return nil
}

// SetProcessCallback installs the periodic callback.
func (o *Oto) SetProcessCallback(fn ProcessFunc) { o.callback = fn }

// SetShutdownCallback installs the backend-death handler.
func (o *Oto) SetShutdownCallback(fn func(error)) { o.onDown = fn }

// Start opens the player and launches the render loop.
func (o *Oto) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}
	if o.callback == nil {
		return fmt.Errorf("audiohost: no process callback installed")
	}
	if otoCtx == nil {
		return fmt.Errorf("%w: ports not registered", ErrHostUnavailable)
	}

	o.pipeReader, o.pipeWriter = io.Pipe()
	o.player = otoCtx.NewPlayer(o.pipeReader)
	o.player.Play()

	o.running = true
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	go o.renderLoop()
	return nil
}

func (o *Oto) renderLoop() {
	defer close(o.done)
	for {
		select {
		case <-o.stop:
			return
		default:
		}

		for _, buf := range o.in {
			for i := range buf {
				buf[i] = 0
			}
		}
		o.callback(o.in, o.out)
		o.interleave()

		// Blocking write against the device pipe paces the loop.
		if _, err := o.pipeWriter.Write(o.pcm); err != nil {
			select {
			case <-o.stop:
				return // shutdown closed the pipe under us
			default:
			}
			if o.onDown != nil {
				o.onDown(fmt.Errorf("audiohost: device write failed: %w", err))
			}
			return
		}
	}
}

// interleave converts the per-channel float32 playback buffers to
// interleaved 16-bit little-endian PCM.
func (o *Oto) interleave() {
	for j := 0; j < o.bufferSize; j++ {
		for c := 0; c < o.chOut; c++ {
			s := o.out[c][j]
			if s > 1 {
				s = 1
			} else if s < -1 {
				s = -1
			}
			v := int16(s * 32767)
			binary.LittleEndian.PutUint16(o.pcm[(j*o.chOut+c)*2:], uint16(v))
		}
	}
}

// Stop halts the render loop and releases the player.
func (o *Oto) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}
	o.running = false
	close(o.stop)
	o.pipeWriter.Close()
	<-o.done
	o.player.Close()
	o.pipeReader.Close()
	return nil
}

// SampleRate returns the device rate.
func (o *Oto) SampleRate() int { return o.sampleRate }

// BufferSize returns the period length in frames.
func (o *Oto) BufferSize() int { return o.bufferSize }
