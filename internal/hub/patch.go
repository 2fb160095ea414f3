// ABOUTME: Auto-patch policies and the routing matrix they produce
// ABOUTME: Builds sink-by-source gain matrices over server and worker strips
package hub

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Policy selects how worker and server audio strips are interconnected
// whenever a worker starts or stops.
type Policy int

const (
	// ServerToClient feeds the server's capture to every client and mixes
	// every client into the server's playback.
	ServerToClient Policy = iota
	// ClientEcho loops each client's receive back into its own send.
	ClientEcho
	// ClientFofi sends each client the mix of all other clients.
	ClientFofi
	// ReservedMatrix loads an operator-defined gain matrix from a file.
	ReservedMatrix
	// FullMix is ClientFofi plus the server strip on both sides.
	FullMix
	// NoAuto makes no connections.
	NoAuto
)

var policyNames = map[string]Policy{
	"server-to-client": ServerToClient,
	"client-echo":      ClientEcho,
	"client-fofi":      ClientFofi,
	"reserved-matrix":  ReservedMatrix,
	"full-mix":         FullMix,
	"no-auto":          NoAuto,
}

// ParsePolicy accepts a policy name or its numeric code.
func ParsePolicy(s string) (Policy, error) {
	if p, ok := policyNames[strings.ToLower(s)]; ok {
		return p, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= int(NoAuto) {
		return Policy(n), nil
	}
	return NoAuto, fmt.Errorf("hub: unknown patch policy %q", s)
}

func (p Policy) String() string {
	for name, v := range policyNames {
		if v == p {
			return name
		}
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Routing is an immutable sink-by-source gain matrix. Strip 0 is the
// server's own device; strip 1+slot is the worker in that pool slot.
// Row r holds the gains mixed into sink strip r.
type Routing struct {
	Gains [][]float32
}

// strips returns the matrix dimension for a pool of maxWorkers.
func strips(maxWorkers int) int { return maxWorkers + 1 }

// BuildRouting produces the matrix for policy over a pool of maxWorkers
// slots, with active marking the occupied slots. reserved supplies the
// ReservedMatrix gains and is ignored by every other policy.
func BuildRouting(policy Policy, maxWorkers int, active []bool, reserved [][]float32) *Routing {
	n := strips(maxWorkers)
	g := make([][]float32, n)
	for i := range g {
		g[i] = make([]float32, n)
	}
	r := &Routing{Gains: g}

	workerOn := func(slot int) bool { return slot < len(active) && active[slot] }

	switch policy {
	case NoAuto:
		// all zero
	case ReservedMatrix:
		for i := 0; i < n && i < len(reserved); i++ {
			for j := 0; j < n && j < len(reserved[i]); j++ {
				g[i][j] = reserved[i][j]
			}
		}
	case ClientEcho:
		for s := 0; s < maxWorkers; s++ {
			if workerOn(s) {
				g[1+s][1+s] = 1
			}
		}
	case ServerToClient:
		for s := 0; s < maxWorkers; s++ {
			if !workerOn(s) {
				continue
			}
			g[1+s][0] = 1 // server capture into each client
			g[0][1+s] = 1 // each client into server playback
		}
	case ClientFofi, FullMix:
		for s := 0; s < maxWorkers; s++ {
			if !workerOn(s) {
				continue
			}
			for o := 0; o < maxWorkers; o++ {
				if o != s && workerOn(o) {
					g[1+s][1+o] = 1
				}
			}
			if policy == FullMix {
				g[1+s][0] = 1
				g[0][1+s] = 1
			}
		}
	}
	return r
}

// LoadMatrixFile reads a reserved routing matrix: one whitespace-
// separated row of gains per sink strip, '#' starting a comment.
func LoadMatrixFile(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hub: matrix file: %w", err)
	}
	defer f.Close()

	var rows [][]float32
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		row := make([]float32, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, fmt.Errorf("hub: matrix file row %d: %w", len(rows)+1, err)
			}
			row[i] = float32(v)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("hub: matrix file: %w", err)
	}
	return rows, nil
}
