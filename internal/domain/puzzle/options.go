package puzzle

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for issuance and expiry.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLedgerSize bounds the number of pending puzzles.
func WithLedgerSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.ledgerSize = n
		}
	}
}

// WithConsumedSize bounds the memory of consumed puzzle ids.
func WithConsumedSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.consumedSize = n
		}
	}
}

// WithValidity sets how long an issued puzzle may be answered.
func WithValidity(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.validity = d
		}
	}
}

// WithModulusMaxUses sets how many puzzles share one modulus.
func WithModulusMaxUses(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxUses = n
		}
	}
}

// WithPrimeWait bounds each wait for a prime pair.
func WithPrimeWait(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.primeWait = d
		}
	}
}

// WithGenerationRetries sets how many waits for a prime pair are attempted.
func WithGenerationRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retries = n
		}
	}
}

// WithIssuedCapacity sizes each generation of the issued-triple filter.
func WithIssuedCapacity(n uint) Option {
	return func(e *Engine) {
		if n > 0 {
			e.issuedCapacity = n
		}
	}
}
