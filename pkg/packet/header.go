// ABOUTME: Packet header definition and binary codec
// ABOUTME: 16-byte little-endian header carried by every audio datagram
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the byte size of the packet header.
// [timestamp(8) | seq(2) | bufferSize(2) | samplingRate(1) | bitRes(1) | inCh(1) | outCh(1)]
const HeaderSize = 16

// SamplingRate is the 8-bit wire code for the session sample rate.
type SamplingRate uint8

// Wire codes for the fixed sample-rate set. SRUndef is the sentinel for
// rates outside the set; a session must refuse to start with it.
const (
	SR22 SamplingRate = iota
	SR32
	SR44
	SR48
	SR88
	SR96
	SR192
	SRUndef
)

// SamplingRateFromHz maps a host-reported rate to its wire code.
// Rates outside the fixed set map to SRUndef.
func SamplingRateFromHz(hz int) SamplingRate {
	switch hz {
	case 22050:
		return SR22
	case 32000:
		return SR32
	case 44100:
		return SR44
	case 48000:
		return SR48
	case 88200:
		return SR88
	case 96000:
		return SR96
	case 192000:
		return SR192
	default:
		return SRUndef
	}
}

// Hz returns the rate in Hertz, or 0 for SRUndef.
func (r SamplingRate) Hz() int {
	switch r {
	case SR22:
		return 22050
	case SR32:
		return 32000
	case SR44:
		return 44100
	case SR48:
		return 48000
	case SR88:
		return 88200
	case SR96:
		return 96000
	case SR192:
		return 192000
	default:
		return 0
	}
}

func (r SamplingRate) String() string {
	if r == SRUndef {
		return "undefined"
	}
	return fmt.Sprintf("%dHz", r.Hz())
}

// ErrShortHeader is returned when a datagram is smaller than HeaderSize.
var ErrShortHeader = errors.New("packet: datagram shorter than header")

// Header is the per-datagram audio packet header.
type Header struct {
	Timestamp      uint64 // monotonic milliseconds since session start
	Seq            uint16 // wraps mod 2^16
	BufferSize     uint16 // frames per payload
	SamplingRate   SamplingRate
	BitResolution  uint8 // one of 8, 16, 24, 32
	NumInChannels  uint8
	NumOutChannels uint8
}

// AppendTo appends the 16-byte wire encoding of h to dst.
func (h *Header) AppendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, h.Timestamp)
	dst = binary.LittleEndian.AppendUint16(dst, h.Seq)
	dst = binary.LittleEndian.AppendUint16(dst, h.BufferSize)
	return append(dst, byte(h.SamplingRate), h.BitResolution, h.NumInChannels, h.NumOutChannels)
}

// PutTo writes the wire encoding into buf, which must hold HeaderSize bytes.
func (h *Header) PutTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.Timestamp)
	binary.LittleEndian.PutUint16(buf[8:10], h.Seq)
	binary.LittleEndian.PutUint16(buf[10:12], h.BufferSize)
	buf[12] = byte(h.SamplingRate)
	buf[13] = h.BitResolution
	buf[14] = h.NumInChannels
	buf[15] = h.NumOutChannels
}

// ParseHeader decodes the header at the start of a datagram.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Timestamp:      binary.LittleEndian.Uint64(data[0:8]),
		Seq:            binary.LittleEndian.Uint16(data[8:10]),
		BufferSize:     binary.LittleEndian.Uint16(data[10:12]),
		SamplingRate:   SamplingRate(data[12]),
		BitResolution:  data[13],
		NumInChannels:  data[14],
		NumOutChannels: data[15],
	}, nil
}

// Matches reports whether the negotiated stream parameters of the two
// headers agree. Timestamp and sequence are not compared.
func (h *Header) Matches(other *Header) bool {
	return h.BufferSize == other.BufferSize &&
		h.SamplingRate == other.SamplingRate &&
		h.BitResolution == other.BitResolution &&
		h.NumInChannels == other.NumInChannels &&
		h.NumOutChannels == other.NumOutChannels
}

// SeqNewer reports whether sequence a is newer than b under mod-2^16
// arithmetic. A half-window comparison keeps ordering across wrap.
func SeqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}
