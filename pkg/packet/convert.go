// ABOUTME: Sample quantization between float32 audio and wire bit depths
// ABOUTME: Implements the 8/16/24/32-bit pack and unpack codecs
package packet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Supported wire bit depths.
const (
	Bit8  uint8 = 8
	Bit16 uint8 = 16
	Bit24 uint8 = 24
	Bit32 uint8 = 32
)

// ValidBitResolution reports whether b is one of the supported depths.
func ValidBitResolution(b uint8) bool {
	return b == Bit8 || b == Bit16 || b == Bit24 || b == Bit32
}

// BytesPerSample returns the wire size of one sample at depth b.
func BytesPerSample(b uint8) int {
	return int(b) / 8
}

// PayloadSize returns the byte size of one payload: channels concatenated
// per-channel blocks of frames samples, no padding.
func PayloadSize(channels, frames int, bitRes uint8) int {
	return channels * frames * BytesPerSample(bitRes)
}

// PackSamples quantizes src into dst at depth bitRes. dst must hold
// len(src)*BytesPerSample(bitRes) bytes. Little-endian throughout.
func PackSamples(dst []byte, src []float32, bitRes uint8) {
	switch bitRes {
	case Bit8:
		for i, x := range src {
			dst[i] = byte(clampInt(math.Floor(float64(x)*128), -128, 127))
		}
	case Bit16:
		for i, x := range src {
			v := clampInt(math.Floor(float64(x)*32768), -32768, 32767)
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(int16(v)))
		}
	case Bit24:
		for i, x := range src {
			packSample24(dst[i*3:], x)
		}
	case Bit32:
		for i, x := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(x))
		}
	default:
		panic(fmt.Sprintf("packet: unsupported bit resolution %d", bitRes))
	}
}

// UnpackSamples is the inverse of PackSamples. dst must hold
// len(src)/BytesPerSample(bitRes) samples.
func UnpackSamples(dst []float32, src []byte, bitRes uint8) {
	switch bitRes {
	case Bit8:
		for i := range dst {
			dst[i] = float32(int8(src[i])) / 128
		}
	case Bit16:
		for i := range dst {
			v := int16(binary.LittleEndian.Uint16(src[i*2:]))
			dst[i] = float32(v) / 32768
		}
	case Bit24:
		for i := range dst {
			dst[i] = unpackSample24(src[i*3:])
		}
	case Bit32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	default:
		panic(fmt.Sprintf("packet: unsupported bit resolution %d", bitRes))
	}
}

// packSample24 stores the 16-bit quantization followed by an unsigned
// 8-bit residual. The residual is non-negative, so reconstruction is
// biased toward positive; that bias is deliberate wire behavior.
func packSample24(dst []byte, x float32) {
	v := float64(x) * 32768
	if v > 32767+255.0/256 {
		v = 32767 + 255.0/256
	} else if v < -32768 {
		v = -32768
	}
	head := math.Floor(v)
	resid := math.Floor((v - head) * 256)
	binary.LittleEndian.PutUint16(dst, uint16(int16(head)))
	dst[2] = byte(uint8(resid))
}

func unpackSample24(src []byte) float32 {
	head := int16(binary.LittleEndian.Uint16(src))
	return float32((float64(head) + float64(src[2])/256) / 32768)
}

func clampInt(v, lo, hi float64) int32 {
	if v < lo {
		v = lo
	} else if v > hi {
		v = hi
	}
	return int32(v)
}
