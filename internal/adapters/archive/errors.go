package archive

import "errors"

var (
	// ErrNotFound is returned when no score is archived for a client.
	ErrNotFound = errors.New("archived score not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("archive closed")
)
