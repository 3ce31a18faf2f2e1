package scheduler

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Option applies a configuration option to the Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for deadlines and round timing.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRounds sets the number of CPU+network iterations per session.
func WithRounds(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.rounds = n
		}
	}
}

// WithHistorySize bounds the rounds kept per session.
func WithHistorySize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.historySize = n
		}
	}
}

// WithRoundTimeout sets how long a client has to answer a challenge.
func WithRoundTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.roundTimeout = d
		}
	}
}

// WithMaxInvalidRounds sets how many invalid rounds are tolerated.
func WithMaxInvalidRounds(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxInvalid = n
		}
	}
}

// WithProbeSize sets the echo payload size in bytes.
func WithProbeSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.probeSize = n
		}
	}
}

// WithDifficulty sets the starting number of squarings.
func WithDifficulty(t uint64) Option {
	return func(s *Scheduler) {
		if t > 0 {
			s.difficulty = t
		}
	}
}

// WithAdaptiveDifficulty rescales difficulty toward target within [minT, maxT].
func WithAdaptiveDifficulty(target time.Duration, minT, maxT uint64) Option {
	return func(s *Scheduler) {
		if target > 0 && minT > 0 && minT <= maxT {
			s.calibrator = &calibrator{target: target, min: minT, max: maxT}
		}
	}
}
