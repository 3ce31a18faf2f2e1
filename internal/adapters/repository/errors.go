package repository

import "errors"

// Sentinel kinds for registry errors.
var (
	ErrNotFound     = errors.New("client not found")
	ErrExists       = errors.New("client already registered")
	ErrInvalidLimit = errors.New("invalid list limit")
	ErrEmptyID      = errors.New("client id must not be empty")
	ErrCloseTimeout = errors.New("eviction loop did not stop")
)
