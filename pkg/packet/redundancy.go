// ABOUTME: Redundancy assembly and extraction for loss recovery
// ABOUTME: Concatenates recent payloads per datagram and gap-fills on receive
package packet

import (
	"fmt"
	"sync/atomic"
)

// Assembler builds outgoing datagrams on the send side. Each call to Next
// emits the current payload concatenated with the previous redundancy-1
// payloads, oldest last, behind a header whose Seq is the newest payload's.
// All buffers are allocated up front; Next performs no allocation.
type Assembler struct {
	header      Header
	redundancy  int
	payloadSize int

	history [][]byte // ring of the last redundancy payloads
	wire    []byte   // reused datagram buffer

	// Payloads pushed since start. Only Next advances it, but Seq may be
	// read from the control thread (the shutdown datagram).
	count atomic.Uint64
}

// NewAssembler creates an assembler for the session described by hdr.
// redundancy must be >= 1.
func NewAssembler(hdr Header, redundancy, payloadSize int) (*Assembler, error) {
	if redundancy < 1 {
		return nil, fmt.Errorf("packet: redundancy %d out of range", redundancy)
	}
	history := make([][]byte, redundancy)
	for i := range history {
		history[i] = make([]byte, payloadSize)
	}
	return &Assembler{
		header:      hdr,
		redundancy:  redundancy,
		payloadSize: payloadSize,
		history:     history,
		wire:        make([]byte, 0, HeaderSize+redundancy*payloadSize),
	}, nil
}

// Seq returns the sequence number the next datagram will carry.
func (a *Assembler) Seq() uint16 {
	return uint16(a.count.Load())
}

// Next ingests one payload and returns the wire datagram for it. The
// returned slice is reused by the following call.
func (a *Assembler) Next(payload []byte, timestampMs uint64) []byte {
	count := a.count.Load()
	copy(a.history[count%uint64(a.redundancy)], payload)

	a.header.Seq = uint16(count)
	a.header.Timestamp = timestampMs
	count++
	a.count.Store(count)

	embedded := a.redundancy
	if count < uint64(embedded) {
		embedded = int(count)
	}

	a.wire = a.header.AppendTo(a.wire[:0])
	for i := 0; i < embedded; i++ {
		slot := (count - 1 - uint64(i)) % uint64(a.redundancy)
		a.wire = append(a.wire, a.history[slot]...)
	}
	return a.wire
}

// Extractor recovers payloads from incoming datagrams on the receive side.
// Payloads already delivered are suppressed by tracking the newest written
// sequence under mod-2^16 arithmetic, so a datagram carrying R payloads
// fills gaps left by up to R-1 consecutive losses.
type Extractor struct {
	payloadSize int
	started     bool
	lastWritten uint16

	// Read by the stats reporter while the receive loop writes.
	outOfOrder atomic.Uint64
	gaps       atomic.Uint64
}

// NewExtractor creates an extractor for payloads of payloadSize bytes.
func NewExtractor(payloadSize int) *Extractor {
	return &Extractor{payloadSize: payloadSize}
}

// Extract walks the embedded payloads of a datagram oldest-first and calls
// emit for each one not yet delivered, so emitted payloads are in strict
// sequence order. data excludes the header; newestSeq is the header's Seq.
func (e *Extractor) Extract(newestSeq uint16, data []byte, emit func(seq uint16, payload []byte)) {
	embedded := len(data) / e.payloadSize
	if embedded == 0 {
		return
	}

	if e.started && !SeqNewer(newestSeq, e.lastWritten) {
		// Every payload in this datagram is at or behind the newest
		// delivered sequence; late arrival.
		e.outOfOrder.Add(1)
		return
	}

	// Datagram layout is newest first: payload j carries seq newestSeq-j.
	for i := embedded - 1; i >= 0; i-- {
		seq := newestSeq - uint16(i)
		payload := data[i*e.payloadSize : (i+1)*e.payloadSize]

		if e.started {
			if !SeqNewer(seq, e.lastWritten) {
				continue // already delivered via an earlier datagram
			}
			e.gaps.Add(uint64(seq - e.lastWritten - 1))
		}
		emit(seq, payload)
		e.lastWritten = seq
		e.started = true
	}
}

// OutOfOrder returns the count of datagrams discarded as late arrivals.
func (e *Extractor) OutOfOrder() uint64 { return e.outOfOrder.Load() }

// Gaps returns the count of sequence numbers never delivered to the ring.
func (e *Extractor) Gaps() uint64 { return e.gaps.Load() }
