package service

import (
	"github.com/jonboulle/clockwork"

	"github.com/okian/vouch/internal/domain/puzzle"
	"github.com/okian/vouch/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithClock sets the clock shared by the scheduler, puzzle engine, registry
// and idle reaper.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithPrimeGenerator replaces the prime pair generator.
func WithPrimeGenerator(fn puzzle.GeneratorFunc) Option {
	return func(s *Service) {
		if fn != nil {
			s.generator = fn
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
