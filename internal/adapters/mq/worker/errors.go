package worker

import "errors"

// Sentinel kinds for worker errors.
var (
	ErrJobPanicked = errors.New("job panicked")
)
