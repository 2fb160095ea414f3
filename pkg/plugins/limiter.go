// ABOUTME: Soft peak limiter plugin with multi-client headroom
// ABOUTME: Envelope follower plus gain reduction, no allocation in Compute
package plugins

import "math"

const (
	// limiterCeiling is the output magnitude the limiter holds.
	limiterCeiling = 0.9375

	// Envelope time constants at 48kHz; close enough across the
	// supported rate set for a safety limiter.
	attackCoeff  = 0.7
	releaseCoeff = 0.9995
)

// Limiter bounds the peak level of its channels. When a stream is about
// to be mixed with clients-1 others (a hub mix), the input is pre-scaled
// by 1/clients so the sum stays inside the ceiling.
type Limiter struct {
	channels int
	preGain  float32
	envelope []float32
}

// NewLimiter creates a limiter over channels with headroom for clients
// summed streams; clients < 1 is treated as 1.
func NewLimiter(channels, clients int) *Limiter {
	if clients < 1 {
		clients = 1
	}
	return &Limiter{
		channels: channels,
		preGain:  float32(1.0 / float64(clients)),
		envelope: make([]float32, channels),
	}
}

// NumInputs returns the channel count.
func (l *Limiter) NumInputs() int { return l.channels }

// NumOutputs returns the channel count.
func (l *Limiter) NumOutputs() int { return l.channels }

// Compute applies headroom scaling and peak limiting per channel.
func (l *Limiter) Compute(frames int, in, out [][]float32) {
	for c := 0; c < l.channels; c++ {
		src, dst := in[c], out[c]
		env := l.envelope[c]
		for j := 0; j < frames; j++ {
			v := src[j] * l.preGain

			mag := float32(math.Abs(float64(v)))
			if mag > env {
				env = env*attackCoeff + mag*(1-attackCoeff)
			} else {
				env *= releaseCoeff
			}

			if env > limiterCeiling {
				v *= limiterCeiling / env
			}
			dst[j] = v
		}
		l.envelope[c] = env
	}
}
