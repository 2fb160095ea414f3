// ABOUTME: Per-interval statistics snapshot and reporter
// ABOUTME: Prints, persists and fans out the session's I/O counters
package session

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jamlink-audio/jamlink-go/pkg/ring"
)

// Snapshot is the session statistics taken at the end of one reporting
// interval. The packet, gap, mismatch and out-of-order counters are running
// totals since the session began; Recv and Send cover only the interval.
type Snapshot struct {
	Timestamp   time.Time
	State       string
	PacketsSent uint64
	PacketsRecv uint64
	SeqGaps     uint64
	Mismatches  uint64
	OutOfOrder  uint64
	Recv        ring.Stats // jitter buffer
	Send        ring.Stats
}

// Line renders the snapshot as the stats-file record: space-separated
// timestamp, packets_sent, packets_recv, seq_gaps, underruns, overflows,
// mean_occupancy.
func (s Snapshot) Line() string {
	return fmt.Sprintf("%d %d %d %d %d %d %.2f",
		s.Timestamp.Unix(), s.PacketsSent, s.PacketsRecv, s.SeqGaps,
		s.Recv.Underruns, s.Recv.Overflows, s.Recv.MeanOccupancy)
}

// Snapshot collects the interval counters. One caller per interval; the
// ring interval aggregates reset on read.
func (s *Session) Snapshot() Snapshot {
	sent, recv, gaps, mismatches, ooo := s.proto.Stats()
	return Snapshot{
		Timestamp:   time.Now(),
		State:       s.State(),
		PacketsSent: sent,
		PacketsRecv: recv,
		SeqGaps:     gaps,
		Mismatches:  mismatches,
		OutOfOrder:  ooo,
		Recv:        s.recvRing.IntervalStats(),
		Send:        s.sendRing.IntervalStats(),
	}
}

// Reporter periodically snapshots a session, logs a summary line, appends
// the record to an optional stats file and notifies subscribers (metrics
// exporters, TUI).
type Reporter struct {
	session  *Session
	interval time.Duration
	file     *os.File

	mu   sync.Mutex
	subs []func(Snapshot)

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewReporter creates a reporter; statsPath may be empty.
func NewReporter(s *Session, interval time.Duration, statsPath string) (*Reporter, error) {
	r := &Reporter{
		session:  s,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if statsPath != "" {
		f, err := os.OpenFile(statsPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("stats file: %w", err)
		}
		r.file = f
	}
	return r, nil
}

// Subscribe registers a per-interval callback. Call before Start.
func (r *Reporter) Subscribe(fn func(Snapshot)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

// Start launches the reporting loop.
func (r *Reporter) Start() {
	go r.run()
}

func (r *Reporter) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.report()
		case <-r.stop:
			return
		}
	}
}

func (r *Reporter) report() {
	snap := r.session.Snapshot()

	log.Printf("stats: sent=%d recv=%d gaps=%d underruns=%d overflows=%d occ=%.2f/%d",
		snap.PacketsSent, snap.PacketsRecv, snap.SeqGaps,
		snap.Recv.Underruns, snap.Recv.Overflows,
		snap.Recv.MeanOccupancy, snap.Recv.MaxOccupancy)

	if r.file != nil {
		fmt.Fprintln(r.file, snap.Line())
	}

	r.mu.Lock()
	subs := r.subs
	r.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

// Stop halts the loop and closes the stats file.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
		if r.file != nil {
			r.file.Close()
		}
	})
}
