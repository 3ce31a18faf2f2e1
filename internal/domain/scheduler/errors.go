package scheduler

import (
	"errors"

	"github.com/okian/vouch/internal/domain/model"
	"github.com/okian/vouch/internal/domain/protocol"
)

// Sentinel kinds for session failures. ErrIdle and ErrShutdown are used as
// cancellation causes by the supervisor.
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTimeout           = errors.New("round timed out")
	ErrInvalidThreshold  = errors.New("too many invalid rounds")
	ErrClientError       = errors.New("client reported an error")
	ErrGenerationFailed  = errors.New("challenge generation failed")
	ErrIdle              = errors.New("session idle")
	ErrShutdown          = errors.New("service shutting down")
)

// ReasonFor maps a session error to its end reason.
func ReasonFor(err error) model.EndReason {
	switch {
	case err == nil:
		return model.EndCompleted
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, protocol.ErrMalformed):
		return model.EndProtocolViolation
	case errors.Is(err, ErrInvalidThreshold):
		return model.EndInvalidThreshold
	case errors.Is(err, ErrClientError):
		return model.EndClientError
	case errors.Is(err, ErrGenerationFailed):
		return model.EndGenerationFailed
	case errors.Is(err, ErrIdle):
		return model.EndIdleTimeout
	case errors.Is(err, ErrShutdown):
		return model.EndShutdown
	default:
		// Disconnects and plain cancellation.
		return model.EndDisconnected
	}
}
