// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() initializer to build a Config with defaults.
// - Durations are expressed in milliseconds on the wire and exposed as
//   time.Duration through accessor methods.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// CPUDifficulty is the starting number of squarings per puzzle.
	CPUDifficulty uint64 `koanf:"cpu_difficulty"`
	// CPUMinDifficulty and CPUMaxDifficulty bound adaptive calibration.
	CPUMinDifficulty uint64 `koanf:"cpu_min_difficulty"`
	CPUMaxDifficulty uint64 `koanf:"cpu_max_difficulty"`
	// CPUTargetSolveMS is the solve time adaptive calibration aims for.
	CPUTargetSolveMS int `koanf:"cpu_target_solve_ms"`
	// AdaptiveDifficulty enables per-client difficulty calibration.
	AdaptiveDifficulty bool `koanf:"adaptive_difficulty"`

	// ProbeSizeBytes is the echo payload size.
	ProbeSizeBytes int `koanf:"probe_size_bytes"`

	// Rounds is the number of CPU+network iterations per session.
	Rounds int `koanf:"rounds"`
	// MinRounds is the number of valid rounds per kind before a score is published.
	MinRounds int `koanf:"min_rounds"`
	// HistorySize bounds the per-session round history.
	HistorySize int `koanf:"history_size"`

	// Scoring parameters.
	CPUWeight          float64 `koanf:"cpu_weight"`
	NetworkWeight      float64 `koanf:"network_weight"`
	CPUReferenceNS     float64 `koanf:"cpu_reference_ns"`
	NetworkReferenceNS float64 `koanf:"network_reference_ns"`
	ScoreMin           float64 `koanf:"score_min"`
	ScoreMax           float64 `koanf:"score_max"`
	ConfidenceSamples  int     `koanf:"confidence_samples"`
	AllowPartialScore  bool    `koanf:"allow_partial_score"`

	// Session limits.
	RoundTimeoutMS   int     `koanf:"round_timeout_ms"`
	IdleTimeoutMS    int     `koanf:"idle_timeout_ms"`
	MaxSessions      int     `koanf:"max_sessions"`
	MaxInvalidRounds int     `koanf:"max_invalid_rounds"`
	AcceptRate       float64 `koanf:"accept_rate"`
	AcceptBurst      int     `koanf:"accept_burst"`

	// Puzzle engine.
	ModulusBits       int `koanf:"modulus_bits"`
	ModulusMaxUses    int `koanf:"modulus_max_uses"`
	PrimePoolSize     int `koanf:"prime_pool_size"`
	GeneratorWorkers  int `koanf:"generator_workers"`
	PrimeWaitMS       int `koanf:"prime_wait_ms"`
	GenerationRetries int `koanf:"generation_retries"`

	// Registry.
	RegistryGraceMS int    `koanf:"registry_grace_ms"`
	ArchivePath     string `koanf:"archive_path"`
	MaxListLimit    int    `koanf:"max_list_limit"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:           "info",
		Addr:               ":9080",
		CPUDifficulty:      200_000,
		CPUMinDifficulty:   10_000,
		CPUMaxDifficulty:   50_000_000,
		CPUTargetSolveMS:   4_500,
		AdaptiveDifficulty: false,
		ProbeSizeBytes:     1 << 20,
		Rounds:             5,
		MinRounds:          3,
		HistorySize:        20,
		CPUWeight:          0.5,
		NetworkWeight:      0.5,
		CPUReferenceNS:     10_000,
		NetworkReferenceNS: 200,
		ScoreMin:           0,
		ScoreMax:           100,
		ConfidenceSamples:  5,
		AllowPartialScore:  false,
		RoundTimeoutMS:     120_000,
		IdleTimeoutMS:      300_000,
		MaxSessions:        1_024,
		MaxInvalidRounds:   2,
		AcceptRate:         50,
		AcceptBurst:        100,
		ModulusBits:        1_024,
		ModulusMaxUses:     8,
		PrimePoolSize:      16,
		GeneratorWorkers:   max(1, runtime.NumCPU()/2),
		PrimeWaitMS:        5_000,
		GenerationRetries:  3,
		RegistryGraceMS:    600_000,
		ArchivePath:        "",
		MaxListLimit:       100,
	}
}

// RoundTimeout returns the per-round response deadline.
func (c *Config) RoundTimeout() time.Duration { return ms(c.RoundTimeoutMS) }

// IdleTimeout returns the idle session limit.
func (c *Config) IdleTimeout() time.Duration { return ms(c.IdleTimeoutMS) }

// CPUTargetSolve returns the adaptive calibration target.
func (c *Config) CPUTargetSolve() time.Duration { return ms(c.CPUTargetSolveMS) }

// PrimeWait returns how long issuance waits for a prime pair.
func (c *Config) PrimeWait() time.Duration { return ms(c.PrimeWaitMS) }

// RegistryGrace returns how long ended sessions stay readable.
func (c *Config) RegistryGrace() time.Duration { return ms(c.RegistryGraceMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Validate reports the first inconsistent value.
func (c *Config) Validate() error { //nolint:cyclop // flat list of checks
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.CPUDifficulty == 0:
		return fmt.Errorf("%w: cpu_difficulty must be positive", ErrInvalidConfig)
	case c.CPUMinDifficulty == 0 || c.CPUMinDifficulty > c.CPUMaxDifficulty:
		return fmt.Errorf("%w: cpu_min_difficulty must be in (0, cpu_max_difficulty]", ErrInvalidConfig)
	case c.CPUDifficulty < c.CPUMinDifficulty || c.CPUDifficulty > c.CPUMaxDifficulty:
		return fmt.Errorf("%w: cpu_difficulty outside [cpu_min_difficulty, cpu_max_difficulty]", ErrInvalidConfig)
	case c.AdaptiveDifficulty && c.CPUTargetSolveMS <= 0:
		return fmt.Errorf("%w: cpu_target_solve_ms must be positive", ErrInvalidConfig)
	case c.ProbeSizeBytes <= 0:
		return fmt.Errorf("%w: probe_size_bytes must be positive", ErrInvalidConfig)
	case c.Rounds <= 0:
		return fmt.Errorf("%w: rounds must be positive", ErrInvalidConfig)
	case c.MinRounds <= 0 || c.MinRounds > c.Rounds:
		return fmt.Errorf("%w: min_rounds must be in [1, rounds]", ErrInvalidConfig)
	case c.HistorySize < 2*c.MinRounds:
		return fmt.Errorf("%w: history_size must hold min_rounds of each kind", ErrInvalidConfig)
	case c.CPUWeight < 0 || c.NetworkWeight < 0 || c.CPUWeight+c.NetworkWeight == 0:
		return fmt.Errorf("%w: weights must be non-negative and not both zero", ErrInvalidConfig)
	case c.CPUReferenceNS <= 0 || c.NetworkReferenceNS <= 0:
		return fmt.Errorf("%w: reference values must be positive", ErrInvalidConfig)
	case c.ScoreMin >= c.ScoreMax:
		return fmt.Errorf("%w: score_min must be below score_max", ErrInvalidConfig)
	case c.ConfidenceSamples <= 0:
		return fmt.Errorf("%w: confidence_samples must be positive", ErrInvalidConfig)
	case c.RoundTimeoutMS <= 0 || c.IdleTimeoutMS <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	case c.MaxSessions <= 0:
		return fmt.Errorf("%w: max_sessions must be positive", ErrInvalidConfig)
	case c.MaxInvalidRounds < 0:
		return fmt.Errorf("%w: max_invalid_rounds must not be negative", ErrInvalidConfig)
	case c.AcceptRate <= 0 || c.AcceptBurst <= 0:
		return fmt.Errorf("%w: accept_rate and accept_burst must be positive", ErrInvalidConfig)
	case c.ModulusBits < 64:
		return fmt.Errorf("%w: modulus_bits must be at least 64", ErrInvalidConfig)
	case c.ModulusMaxUses <= 0 || c.PrimePoolSize <= 0 || c.GeneratorWorkers <= 0:
		return fmt.Errorf("%w: prime pool settings must be positive", ErrInvalidConfig)
	case c.PrimeWaitMS <= 0 || c.GenerationRetries <= 0:
		return fmt.Errorf("%w: prime_wait_ms and generation_retries must be positive", ErrInvalidConfig)
	case c.RegistryGraceMS < 0:
		return fmt.Errorf("%w: registry_grace_ms must not be negative", ErrInvalidConfig)
	case c.MaxListLimit <= 0:
		return fmt.Errorf("%w: max_list_limit must be positive", ErrInvalidConfig)
	}
	return nil
}
