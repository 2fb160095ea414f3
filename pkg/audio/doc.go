// ABOUTME: Audio engine package driving the per-period callback work
// ABOUTME: Converts between host sample vectors and wire payloads
// Package audio implements the real-time audio engine.
//
// The engine owns the per-period conversion between the audio host's
// float32 sample vectors and wire-format packet payloads:
//   - Process: the periodic callback, fed by the receive ring and feeding
//     the send ring through the bit-depth codecs in pkg/packet
//   - ProcessPlugin chains on the capture and playback sides
//
// The engine holds no reference to the session that created it; it is
// handed its two ring endpoints and a wakeup hook at construction, which
// keeps it independently testable. Process never allocates, locks or
// blocks: every buffer it touches is allocated in NewEngine.
//
// Example:
//
//	eng, err := audio.NewEngine(audio.Config{
//	    ChannelsIn:    2,
//	    ChannelsOut:   2,
//	    BitResolution: 16,
//	    PeriodFrames:  128,
//	}, recvRing, sendRing, wake)
package audio
