// ABOUTME: Non-Linux stubs for realtime scheduling and socket tuning
// ABOUTME: Keeps the UDP loops portable where SCHED_FIFO is unavailable
//go:build !linux

package netio

import (
	"errors"
	"net"
)

func pinRealtime() error {
	return errors.New("realtime scheduling not supported on this platform")
}

func tuneSocket(conn *net.UDPConn) {
	conn.SetReadBuffer(1 << 20)
	conn.SetWriteBuffer(1 << 20)
}
