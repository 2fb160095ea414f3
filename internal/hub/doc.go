// ABOUTME: Hub mode: many peer sessions multiplexed over one audio device
// ABOUTME: Listener accepts probes, workers carry streams, mixer patches audio
// Package hub implements the multi-peer server.
//
// A Listener owns the control port and a bounded pool of workers, one per
// connected peer. Every worker runs its own UDP data plane, but audio is
// rendered through one shared device: the Mixer's callback pulls each
// worker's receive ring, applies the routing matrix of the configured
// auto-patch policy and feeds each worker's send ring.
//
// The worker table is guarded by a mutex held only during accept and
// reap. The audio callback never touches it: rewires build an immutable
// routing snapshot and publish it with an atomic pointer swap.
package hub
