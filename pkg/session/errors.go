// ABOUTME: Error taxonomy for session setup and runtime failures
// ABOUTME: Sentinel values wrapped with context at the failure site
package session

import (
	"errors"

	"github.com/jamlink-audio/jamlink-go/internal/audiohost"
	"github.com/jamlink-audio/jamlink-go/internal/netio"
)

var (
	// ErrConfigInvalid means a parameter was out of range before start.
	ErrConfigInvalid = errors.New("session: invalid configuration")

	// ErrAudioHostUnavailable means the audio backend could not be
	// contacted or refused port registration.
	ErrAudioHostUnavailable = audiohost.ErrHostUnavailable

	// ErrBindFailed means the local UDP port was already in use.
	ErrBindFailed = netio.ErrBindFailed

	// ErrHandshakeTimeout means no port reply arrived in time.
	ErrHandshakeTimeout = errors.New("session: handshake timed out")

	// ErrPeerTimeout means the peer fell silent during RUNNING.
	ErrPeerTimeout = netio.ErrPeerTimeout

	// ErrPeerStopped means the peer shut down cleanly; it is a disconnect
	// report, not a failure.
	ErrPeerStopped = netio.ErrPeerStopped

	// ErrIncompatiblePeer means the peer's stream parameters mismatch and
	// no degradation is configured.
	ErrIncompatiblePeer = errors.New("session: incompatible peer parameters")

	// ErrServerBusy means a hub rejected the handshake with a busy reply.
	ErrServerBusy = errors.New("session: server at capacity")

	// ErrAudioHostShutdown means the audio backend died mid-run.
	ErrAudioHostShutdown = errors.New("session: audio host shut down")
)
