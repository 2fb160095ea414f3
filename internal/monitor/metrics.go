// ABOUTME: Prometheus metrics for the streaming session
// ABOUTME: Converts per-interval snapshots into counters and gauges
// Package monitor exposes the session's observability surface: a
// Prometheus registry fed from stats snapshots and a websocket server
// fanning out the broadcast audio feed and live stats.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jamlink-audio/jamlink-go/pkg/session"
)

// Metrics owns the Prometheus instruments for one session.
type Metrics struct {
	registry *prometheus.Registry

	packetsSent prometheus.Counter
	packetsRecv prometheus.Counter
	seqGaps     prometheus.Counter
	mismatches  prometheus.Counter
	outOfOrder  prometheus.Counter
	underruns   prometheus.Counter
	overflows   prometheus.Counter
	occupancy   prometheus.Gauge

	// Cumulative values already pushed to the counters.
	prevSent, prevRecv, prevGaps, prevMismatch, prevOOO uint64
}

// NewMetrics builds the instrument set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	ns := "jamlink"

	return &Metrics{
		registry: reg,
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "packets_sent_total",
			Help: "Audio datagrams sent to the peer.",
		}),
		packetsRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "packets_received_total",
			Help: "Audio datagrams received from the peer.",
		}),
		seqGaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "sequence_gaps_total",
			Help: "Sequence numbers never recovered by redundancy.",
		}),
		mismatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "peer_config_mismatch_total",
			Help: "Datagrams dropped for negotiated-parameter mismatch.",
		}),
		outOfOrder: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "out_of_order_total",
			Help: "Datagrams discarded as late arrivals.",
		}),
		underruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "jitter_underruns_total",
			Help: "Audio periods served from an empty jitter buffer.",
		}),
		overflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "jitter_overflows_total",
			Help: "Payloads dropped into a full jitter buffer.",
		}),
		occupancy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "jitter_occupancy_mean",
			Help: "Mean jitter buffer occupancy over the last interval.",
		}),
	}
}

// Observe folds one stats snapshot into the instruments.
func (m *Metrics) Observe(snap session.Snapshot) {
	m.packetsSent.Add(float64(snap.PacketsSent - m.prevSent))
	m.packetsRecv.Add(float64(snap.PacketsRecv - m.prevRecv))
	m.seqGaps.Add(float64(snap.SeqGaps - m.prevGaps))
	m.mismatches.Add(float64(snap.Mismatches - m.prevMismatch))
	m.outOfOrder.Add(float64(snap.OutOfOrder - m.prevOOO))
	m.prevSent, m.prevRecv, m.prevGaps = snap.PacketsSent, snap.PacketsRecv, snap.SeqGaps
	m.prevMismatch, m.prevOOO = snap.Mismatches, snap.OutOfOrder

	m.underruns.Add(float64(snap.Recv.Underruns))
	m.overflows.Add(float64(snap.Recv.Overflows))
	m.occupancy.Set(snap.Recv.MeanOccupancy)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
