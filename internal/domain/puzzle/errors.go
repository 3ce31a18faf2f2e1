package puzzle

import "errors"

// Sentinel kinds for puzzle errors. Verify fails closed with exactly one of
// them.
var (
	ErrGeneration        = errors.New("puzzle generation failed")
	ErrInvalidDifficulty = errors.New("difficulty must be positive")
	ErrUnknownPuzzle     = errors.New("unknown puzzle")
	ErrPuzzleConsumed    = errors.New("puzzle already consumed")
	ErrPuzzleExpired     = errors.New("puzzle expired")
	ErrWrongOwner        = errors.New("puzzle issued to another client")
	ErrVerification      = errors.New("solution does not match")
)
