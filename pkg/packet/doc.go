// ABOUTME: Wire format package for JamLink audio packets
// ABOUTME: Defines the packet header, sample quantization and loss redundancy
// Package packet implements the JamLink wire format.
//
// A datagram is a 16-byte little-endian header followed by one or more
// audio payloads. A payload is the session's channel count worth of
// per-channel sample blocks, each block one audio period quantized to the
// wire bit depth. With redundancy R > 1 a datagram carries the current
// payload plus the R-1 previous ones so that isolated datagram losses can
// be reconstructed on the receive side without retransmission.
//
// Example:
//
//	hdr := packet.Header{
//	    Seq:           0,
//	    BufferSize:    128,
//	    SamplingRate:  packet.SR48,
//	    BitResolution: packet.Bit16,
//	    NumInChannels: 2,
//	    NumOutChannels: 2,
//	}
//	wire := hdr.AppendTo(nil)
package packet
