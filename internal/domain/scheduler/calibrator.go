package scheduler

import "time"

const (
	minStepFactor = 0.5
	maxStepFactor = 2.0
)

// calibrator rescales puzzle difficulty toward a target solve time.
type calibrator struct {
	target   time.Duration
	min, max uint64
}

// next returns the difficulty to use after a round of difficulty t solved in
// elapsed.
func (c calibrator) next(t uint64, elapsed time.Duration) uint64 {
	factor := maxStepFactor
	if elapsed > 0 {
		factor = float64(c.target) / float64(elapsed)
	}
	factor = max(minStepFactor, min(maxStepFactor, factor))

	scaled := float64(t) * factor
	switch {
	case scaled < float64(c.min):
		return c.min
	case scaled > float64(c.max):
		return c.max
	}
	return uint64(scaled)
}
