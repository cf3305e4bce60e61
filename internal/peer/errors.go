package peer

import "errors"

var (
	// ErrPeerOffline is returned when no active session exists for a
	// peer, and is the failure every pending request sees when its
	// session is torn down.
	ErrPeerOffline = errors.New("peer offline")

	// ErrRequestTimeout is returned when a request deadline elapses
	// before the matching response arrives.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrBackpressure is returned when an outbound write stays parked
	// past the backpressure timeout.
	ErrBackpressure = errors.New("write aborted by backpressure timeout")

	// ErrAuthentication is surfaced when an inbound frame fails
	// signature verification. The frame is dropped; the session stays up.
	ErrAuthentication = errors.New("frame signature verification failed")

	// ErrLivenessTimeout is the teardown reason when a peer goes silent
	// past the heartbeat timeout.
	ErrLivenessTimeout = errors.New("liveness timeout")

	// ErrGoodbye is the teardown reason for a graceful goodbye frame.
	ErrGoodbye = errors.New("peer said goodbye")
)
