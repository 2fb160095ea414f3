// ABOUTME: Two-phase UDP handshake: header probe and 3-byte port reply
// ABOUTME: Client and server sides of the pre-traffic port negotiation
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/jamlink-audio/jamlink-go/pkg/packet"
)

const (
	// DefaultPort is the well-known control port.
	DefaultPort = 4464

	// DefaultHandshakeTimeout bounds the whole client handshake.
	DefaultHandshakeTimeout = 5 * time.Second

	// probeInterval is the client's probe retry cadence.
	probeInterval = time.Second

	// PortReplySize is the byte size of the server's reply: a 24-bit
	// little-endian port number.
	PortReplySize = 3
)

// EncodePortReply packs port into the 3-byte little-endian reply.
func EncodePortReply(port int) [PortReplySize]byte {
	return [PortReplySize]byte{byte(port), byte(port >> 8), byte(port >> 16)}
}

// DecodePortReply unpacks a 3-byte reply into a port number.
func DecodePortReply(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

// ClientHandshake sends header-only probes from conn to server until the
// 3-byte port reply arrives, and returns the negotiated peer endpoint.
// A zero port in the reply is the server's busy signal.
func ClientHandshake(ctx context.Context, conn *net.UDPConn, server *net.UDPAddr, hdr packet.Header, timeout time.Duration) (*net.UDPAddr, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	probe := hdr.AppendTo(nil)
	reply := make([]byte, 64)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := conn.WriteToUDP(probe, server); err != nil {
			return nil, fmt.Errorf("session: probe send failed: %w", err)
		}

		wait := probeInterval
		if rem := time.Until(deadline); rem < wait {
			wait = rem
		}
		conn.SetReadDeadline(time.Now().Add(wait))
		n, from, err := conn.ReadFromUDP(reply)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue // next probe
			}
			return nil, fmt.Errorf("session: handshake read failed: %w", err)
		}
		if n != PortReplySize || !from.IP.Equal(server.IP) {
			continue
		}

		port := DecodePortReply(reply[:PortReplySize])
		if port == 0 {
			return nil, ErrServerBusy
		}
		conn.SetReadDeadline(time.Time{})
		return &net.UDPAddr{IP: server.IP, Port: port}, nil
	}
	return nil, fmt.Errorf("%w: no reply from %s within %v", ErrHandshakeTimeout, server, timeout)
}

// Probe is one validated client handshake request.
type Probe struct {
	Header packet.Header
	Addr   *net.UDPAddr
}

// AwaitProbe blocks on the control socket until a header-only probe
// arrives. A probe whose parameters mismatch local is counted via
// onMismatch and, with no automatic degradation configured, is fatal for
// the single-peer session: the probing client gets no reply and times
// out on its side.
func AwaitProbe(ctx context.Context, conn *net.UDPConn, local packet.Header, onMismatch func()) (*Probe, error) {
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, err
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return nil, fmt.Errorf("session: control read failed: %w", err)
		}
		if n < packet.HeaderSize {
			continue
		}

		hdr, err := packet.ParseHeader(buf[:n])
		if err != nil {
			continue
		}
		if !hdr.Matches(&local) {
			log.Printf("session: dropping probe from %s: peer wants %dch/%dbit/%d frames at %s",
				addr, hdr.NumInChannels, hdr.BitResolution, hdr.BufferSize, hdr.SamplingRate)
			if onMismatch != nil {
				onMismatch()
			}
			return nil, fmt.Errorf("%w: probe from %s", ErrIncompatiblePeer, addr)
		}
		conn.SetReadDeadline(time.Time{})
		return &Probe{Header: hdr, Addr: addr}, nil
	}
}

// ReplyPort sends the 3-byte negotiated-port reply to the client.
func ReplyPort(conn *net.UDPConn, client *net.UDPAddr, port int) error {
	reply := EncodePortReply(port)
	_, err := conn.WriteToUDP(reply[:], client)
	return err
}
