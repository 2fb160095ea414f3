// ABOUTME: UDP data plane: sender and receiver loops for one peer stream
// ABOUTME: Owns the socket, counters and optional impairment simulation
// Package netio implements the UDP data protocol of a session.
//
// One Protocol owns one bound UDP socket and two loops: the sender drains
// the send ring into redundancy-assembled datagrams, the receiver parses
// incoming datagrams, validates negotiated parameters and gap-fills the
// receive ring. Both loops run on their own goroutines and can be pinned
// to SCHED_FIFO on Linux.
package netio
