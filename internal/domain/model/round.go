// Package model contains domain models passed between layers.
package model

import "time"

// RoundKind distinguishes the two measured signals.
type RoundKind string

const (
	KindCPU     RoundKind = "cpu"
	KindNetwork RoundKind = "network"
)

// Outcome is how a round resolved.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeInvalid      Outcome = "invalid"
	OutcomeDisconnected Outcome = "disconnected"
	// OutcomeDiscarded marks a round whose timing could not be trusted.
	OutcomeDiscarded Outcome = "discarded"
)

// Round is one CPU or network measurement for a client.
type Round struct {
	ClientID    string
	Index       int
	Kind        RoundKind
	ChallengeID string
	Outcome     Outcome
	// Difficulty is the puzzle's squaring count; zero for network rounds.
	Difficulty uint64
	// PayloadSize is the echo payload length; zero for CPU rounds.
	PayloadSize int
	Elapsed     time.Duration
	IssuedAt    time.Time
	CompletedAt time.Time
}

// Valid reports whether the round contributes a sample.
func (r Round) Valid() bool {
	return r.Outcome == OutcomeSuccess
}

// Failed reports whether the round counts against confidence. Discarded and
// disconnected rounds are neutral.
func (r Round) Failed() bool {
	return r.Outcome == OutcomeTimeout || r.Outcome == OutcomeInvalid
}
