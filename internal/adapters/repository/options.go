package repository

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Option applies a configuration option to the Registry.
type Option func(*Registry)

// WithClock sets the clock used for eviction.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithGracePeriod sets how long ended sessions stay readable.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.grace = d
		}
	}
}

// WithSweepInterval sets how often ended sessions are checked for eviction.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithCloseTimeout bounds how long Close waits for the eviction loop.
func WithCloseTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.closeTimeout = d
		}
	}
}

// WithArchive stores scores of evicted sessions in a.
func WithArchive(a Archive) Option {
	return func(r *Registry) {
		r.archive = a
	}
}
