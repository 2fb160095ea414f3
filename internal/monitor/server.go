// ABOUTME: Monitor HTTP server: websocket audio fan-out and stats stream
// ABOUTME: Second consumer of the broadcast ring with a deeper queue
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jamlink-audio/jamlink-go/pkg/packet"
	"github.com/jamlink-audio/jamlink-go/pkg/ring"
	"github.com/jamlink-audio/jamlink-go/pkg/session"
)

// subscriberQueue is each websocket client's buffered payload queue.
// Slow subscribers drop frames; the low-latency peer path is elsewhere.
const subscriberQueue = 64

// Server is the monitor plane: /metrics, /monitor (binary audio frames)
// and /stats (JSON snapshots).
type Server struct {
	addr    string
	metrics *Metrics

	broadcast *ring.Ring
	header    packet.Header

	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]*subscriber

	httpServer *http.Server
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type subscriber struct {
	id    string
	conn  *websocket.Conn
	audio chan []byte
	stats chan []byte
}

// statsFrame is the JSON shape pushed to /stats subscribers.
type statsFrame struct {
	Timestamp   int64   `json:"timestamp"`
	State       string  `json:"state"`
	PacketsSent uint64  `json:"packets_sent"`
	PacketsRecv uint64  `json:"packets_recv"`
	SeqGaps     uint64  `json:"seq_gaps"`
	Underruns   uint64  `json:"underruns"`
	Overflows   uint64  `json:"overflows"`
	Occupancy   float64 `json:"mean_occupancy"`
}

// NewServer creates the monitor server on addr (e.g. ":8927").
func NewServer(addr string, metrics *Metrics) *Server {
	return &Server{
		addr:    addr,
		metrics: metrics,
		subs:    make(map[string]*subscriber),
		upgrader: websocket.Upgrader{
			// Monitoring runs on trusted local networks; accept all
			// origins like any non-browser tool would.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// AttachBroadcast wires the engine's broadcast ring; the server becomes
// its single consumer, draining at period cadence.
func (s *Server) AttachBroadcast(r *ring.Ring, hdr packet.Header) {
	s.broadcast = r
	s.header = hdr
}

// Publish pushes one stats snapshot to the metrics registry and every
// /stats subscriber.
func (s *Server) Publish(snap session.Snapshot) {
	if s.metrics != nil {
		s.metrics.Observe(snap)
	}
	frame, err := json.Marshal(statsFrame{
		Timestamp:   snap.Timestamp.Unix(),
		State:       snap.State,
		PacketsSent: snap.PacketsSent,
		PacketsRecv: snap.PacketsRecv,
		SeqGaps:     snap.SeqGaps,
		Underruns:   snap.Recv.Underruns,
		Overflows:   snap.Recv.Overflows,
		Occupancy:   snap.Recv.MeanOccupancy,
	})
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		select {
		case sub.stats <- frame:
		default:
		}
	}
}

// Start launches the HTTP server and the broadcast drain loop.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/monitor", s.handleWS)
	mux.HandleFunc("/stats", s.handleWS)

	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.broadcast != nil {
		s.wg.Add(1)
		go s.drainLoop(ctx)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("monitor: http server: %v", err)
		}
	}()
	log.Printf("monitor: listening on %s", s.addr)
	return nil
}

// drainLoop consumes the broadcast ring at period cadence and fans each
// payload out to audio subscribers.
func (s *Server) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	period := time.Duration(s.header.BufferSize) * time.Second / time.Duration(s.header.SamplingRate.Hz())
	if period <= 0 {
		period = 5 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	payload := make([]byte, s.broadcast.SlotSize())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for s.broadcast.TryRead(payload) {
			s.mu.RLock()
			for _, sub := range s.subs {
				frame := make([]byte, len(payload))
				copy(frame, payload)
				select {
				case sub.audio <- frame:
				default: // slow monitor: drop
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("monitor: upgrade failed: %v", err)
		return
	}

	sub := &subscriber{
		id:    uuid.New().String(),
		conn:  conn,
		audio: make(chan []byte, subscriberQueue),
		stats: make(chan []byte, 4),
	}
	wantAudio := r.URL.Path == "/monitor"

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()
	log.Printf("monitor: subscriber %s connected (%s)", sub.id, r.URL.Path)

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()
		conn.Close()
		log.Printf("monitor: subscriber %s gone", sub.id)
	}()

	// Reader goroutine only notices closure.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case frame := <-sub.audio:
			if !wantAudio {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case frame := <-sub.stats:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// Stop shuts the HTTP server and the drain loop.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.httpServer.Close()
		}
	}
	s.wg.Wait()
}

// Addr formats the listen address for logs.
func (s *Server) Addr() string { return fmt.Sprintf("http://localhost%s", s.addr) }
