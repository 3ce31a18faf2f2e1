package service

import "errors"

// Admission and lifecycle errors.
var (
	ErrMaxSessions = errors.New("session limit reached")
	ErrRateLimited = errors.New("admission rate exceeded")
	ErrNotStarted  = errors.New("service not started")
	ErrStopped     = errors.New("service stopped")
)
