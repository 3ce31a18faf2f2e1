package protocol

import "errors"

// Sentinel kinds for channel and codec errors.
var (
	// ErrDisconnected is returned by Channel implementations once the peer
	// is gone.
	ErrDisconnected = errors.New("peer disconnected")
	// ErrMalformed wraps decode failures of inbound frames.
	ErrMalformed = errors.New("malformed message")
)
