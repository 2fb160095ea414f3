// ABOUTME: Session package composing the audio engine and UDP data plane
// ABOUTME: One Session is one bidirectional peer stream with a lifecycle
// Package session wires one bidirectional audio stream to one peer.
//
// A Session composes an audio engine, two rings and a UDP protocol, and
// walks the lifecycle UNBOUND -> LISTENING/CONNECTING -> RUNNING ->
// STOPPING -> STOPPED. The handshake negotiates the peer's data port
// before any audio flows:
//
//	cfg := session.Config{
//	    Mode:       session.ModeClient,
//	    RemoteHost: "192.0.2.7",
//	    ChannelsIn: 2,
//	}
//	s, err := session.New(cfg, host)
//	err = s.Start(ctx)
//	err = s.Wait()
//
// Fatal conditions inside the audio or network loops never unwind across
// thread boundaries; they land in an error slot that wakes the
// supervisor, which runs the orderly stop.
package session
