// ABOUTME: Fixed gain plugin
// ABOUTME: Scales every sample by a decibel-specified factor
package plugins

import "math"

// Gain scales all channels by a fixed factor.
type Gain struct {
	channels int
	factor   float32
}

// NewGain creates a gain stage of db decibels over channels.
func NewGain(channels int, db float64) *Gain {
	return &Gain{
		channels: channels,
		factor:   float32(math.Pow(10, db/20)),
	}
}

// NumInputs returns the channel count.
func (g *Gain) NumInputs() int { return g.channels }

// NumOutputs returns the channel count.
func (g *Gain) NumOutputs() int { return g.channels }

// Compute applies the gain.
func (g *Gain) Compute(frames int, in, out [][]float32) {
	for c := 0; c < g.channels; c++ {
		src, dst := in[c], out[c]
		for j := 0; j < frames; j++ {
			dst[j] = src[j] * g.factor
		}
	}
}
