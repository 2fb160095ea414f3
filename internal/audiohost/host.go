// ABOUTME: Audio host abstraction consumed by the engine and session
// ABOUTME: Defines the callback-driven device contract and port handles
// Package audiohost provides the audio device layer. A Host owns the
// periodic callback cadence: once per period it hands the registered
// callback one float32 buffer per capture port and one per playback port.
//
// Two implementations ship: the oto-backed playback host and the Null
// host, a wall-clock driver for headless runs and tests.
package audiohost

import (
	"errors"
	"fmt"
	"sync"
)

// ProcessFunc is the periodic callback. in and out hold one buffer per
// registered port, each BufferSize frames long. It runs on the host's
// audio thread and must not allocate, lock or block.
type ProcessFunc func(in, out [][]float32)

// ErrHostUnavailable means the audio backend could not be brought up.
var ErrHostUnavailable = errors.New("audiohost: audio backend unavailable")

// Port is a registered audio port handle.
type Port struct {
	Name    string
	Capture bool
}

// Host is the device contract the session consumes.
type Host interface {
	// RegisterPorts creates the client's capture and playback ports and
	// returns their handles.
	RegisterPorts(clientName string, in, out int) ([]Port, error)

	// SetProcessCallback installs the periodic callback. Must be called
	// before Start.
	SetProcessCallback(fn ProcessFunc)

	// SetShutdownCallback installs the handler invoked when the backend
	// dies mid-run. The handler must not block; it may be invoked on the
	// goroutine that runs the process callback.
	SetShutdownCallback(fn func(error))

	// Start begins callback delivery.
	Start() error

	// Stop halts callback delivery and releases the device.
	Stop() error

	// SampleRate returns the device rate in Hz.
	SampleRate() int

	// BufferSize returns the period length in frames.
	BufferSize() int
}

// registrationMu serializes client registration process-wide. The oto
// backend allows a single context per process and its setup path is not
// reentrant; the scope of the lock is strictly the registration call.
var registrationMu sync.Mutex

// makePorts builds the port handle list: capture ports first, then
// playback ports, one per channel of the respective direction.
func makePorts(clientName string, in, out int) []Port {
	ports := make([]Port, 0, in+out)
	for i := 0; i < in; i++ {
		ports = append(ports, Port{Name: fmt.Sprintf("%s:capture_%d", clientName, i+1), Capture: true})
	}
	for i := 0; i < out; i++ {
		ports = append(ports, Port{Name: fmt.Sprintf("%s:playback_%d", clientName, i+1)})
	}
	return ports
}
