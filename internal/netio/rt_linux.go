// ABOUTME: Linux realtime scheduling and socket tuning for the UDP loops
// ABOUTME: Pins loop threads to SCHED_FIFO and marks sockets for voice QoS
//go:build linux

package netio

import (
	"net"
	"runtime"

	"golang.org/x/sys/unix"
)

// rtPriority is the SCHED_FIFO priority for the network loops: above
// normal time-sharing load, below the audio host's own threads.
const rtPriority = 10

// dscpEF is the Expedited Forwarding code point shifted into the TOS field.
const dscpEF = 46 << 2

// pinRealtime locks the calling goroutine to its OS thread and switches
// that thread to SCHED_FIFO.
func pinRealtime() error {
	runtime.LockOSThread()
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: rtPriority,
	}
	return unix.SchedSetAttr(0, &attr, 0)
}

// tuneSocket applies voice-grade socket options. Failures are ignored:
// containers and unprivileged runs commonly refuse SO_PRIORITY, and the
// stream still works untuned.
func tuneSocket(conn *net.UDPConn) {
	conn.SetReadBuffer(1 << 20)
	conn.SetWriteBuffer(1 << 20)

	rc, err := conn.SyscallConn()
	if err != nil {
		return
	}
	rc.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscpEF)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, dscpEF)
	})
}
