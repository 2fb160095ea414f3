// ABOUTME: Tests for the SPSC jitter buffer ring
// ABOUTME: Covers drop-oldest overflow, underrun policies and concurrency
package ring

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taggedSlot(tag byte, size int) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = tag
	}
	return p
}

func TestReadAfterWrite(t *testing.T) {
	r, err := New(8, 4, Zeros)
	require.NoError(t, err)

	r.Write(taggedSlot(7, 8))
	dst := make([]byte, 8)
	res := r.Read(dst)

	assert.Equal(t, ReadOK, res)
	assert.Equal(t, taggedSlot(7, 8), dst)
	assert.Equal(t, 0, r.Occupancy())
}

func TestOverflowDropsOldest(t *testing.T) {
	r, err := New(4, 4, Zeros)
	require.NoError(t, err)

	// Push payloads tagged 1..7 with no consumer.
	for tag := byte(1); tag <= 7; tag++ {
		r.Write(taggedSlot(tag, 4))
	}

	dst := make([]byte, 4)
	for _, want := range []byte{4, 5, 6, 7} {
		res := r.Read(dst)
		assert.Equal(t, ReadOK, res)
		assert.Equal(t, want, dst[0])
	}
	assert.Equal(t, uint64(3), r.Overflows())
}

func TestUnderrunZeros(t *testing.T) {
	r, err := New(4, 4, Zeros)
	require.NoError(t, err)

	dst := taggedSlot(0xFF, 4)
	res := r.Read(dst)

	assert.Equal(t, ReadSilence, res)
	assert.Equal(t, []byte{0, 0, 0, 0}, dst)
	assert.Equal(t, uint64(1), r.Underruns())
}

func TestUnderrunWavetableReplaysLastSlot(t *testing.T) {
	// One period of a 440 Hz sinusoid at 48kHz, 16-bit mono, F=128.
	const frames = 128
	payload := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		s := int16(math.Round(0.5 * 32767 * math.Sin(2*math.Pi*440*float64(i)/48000)))
		binary.LittleEndian.PutUint16(payload[i*2:], uint16(s))
	}

	r, err := New(len(payload), 4, Wavetable)
	require.NoError(t, err)
	r.Write(payload)

	dst := make([]byte, len(payload))
	require.Equal(t, ReadOK, r.Read(dst))

	// Four reads with no writes: each replays the stored period verbatim.
	for i := 0; i < 4; i++ {
		res := r.Read(dst)
		assert.Equal(t, ReadReplayed, res, "read %d", i)
		assert.Equal(t, payload, dst, "read %d", i)
	}
	assert.Equal(t, uint64(4), r.Underruns())
}

func TestUnderrunWavetableBeforeFirstReadIsSilence(t *testing.T) {
	r, err := New(4, 4, Wavetable)
	require.NoError(t, err)

	dst := taggedSlot(0xFF, 4)
	assert.Equal(t, ReadSilence, r.Read(dst))
	assert.Equal(t, []byte{0, 0, 0, 0}, dst)
}

func TestOccupancyNeverExceedsCapacity(t *testing.T) {
	const q = 8
	r, err := New(4, q, Zeros)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		r.Write(taggedSlot(byte(i), 4))
		occ := r.Occupancy()
		assert.LessOrEqual(t, occ, q)
		assert.GreaterOrEqual(t, occ, 0)
	}
}

func TestIntervalStats(t *testing.T) {
	r, err := New(4, 2, Zeros)
	require.NoError(t, err)

	dst := make([]byte, 4)
	r.Read(dst) // underrun
	r.Write(taggedSlot(1, 4))
	r.Write(taggedSlot(2, 4))
	r.Write(taggedSlot(3, 4)) // overflow

	s := r.IntervalStats()
	assert.Equal(t, uint64(1), s.Underruns)
	assert.Equal(t, uint64(1), s.Overflows)
	assert.Equal(t, uint64(2), s.MaxOccupancy)
	assert.Greater(t, s.MeanOccupancy, 0.0)

	// Second interval starts clean.
	s = r.IntervalStats()
	assert.Zero(t, s.Underruns)
	assert.Zero(t, s.Overflows)
	assert.Zero(t, s.MaxOccupancy)
}

func TestConcurrentProducerConsumer(t *testing.T) {
	const (
		slotSize = 8
		q        = 16
		total    = 50000
	)
	r, err := New(slotSize, q, Zeros)
	require.NoError(t, err)

	produced := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(produced)
		p := make([]byte, slotSize)
		for i := uint64(0); i < total; i++ {
			binary.LittleEndian.PutUint64(p, i)
			r.Write(p)
		}
	}()

	var lastSeen uint64
	var reads int
	go func() {
		defer wg.Done()
		dst := make([]byte, slotSize)
		for {
			if r.Read(dst) != ReadOK {
				select {
				case <-produced:
					if r.Occupancy() == 0 {
						return
					}
				default:
				}
				continue
			}
			v := binary.LittleEndian.Uint64(dst)
			if reads > 0 && v < lastSeen {
				t.Errorf("value went backwards: %d after %d", v, lastSeen)
				return
			}
			lastSeen = v
			reads++
		}
	}()

	wg.Wait()

	// Values are monotonic; anything not read was dropped as overflow.
	assert.LessOrEqual(t, uint64(reads)+r.Overflows(), uint64(total))
}
