// Package protocol defines the messages exchanged with a measured client and
// the duplex channel they travel on.
package protocol

import (
	"context"
	"math/big"
)

// Kind names a message type on the wire.
type Kind string

const (
	KindCPUChallenge     Kind = "cpu_challenge"
	KindNetworkChallenge Kind = "network_challenge"
	KindRoundResult      Kind = "round_result"
	KindSummary          Kind = "summary"
	KindCPUSolution      Kind = "cpu_solution"
	KindNetworkEcho      Kind = "network_echo"
	KindClientError      Kind = "client_error"
)

// Message is any protocol message.
type Message interface {
	Kind() Kind
}

// Channel is a duplex message stream to one client. Receive blocks until a
// message arrives, ctx is done or the peer disconnects (ErrDisconnected).
// Send and Receive may be called from different goroutines.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// CPUChallenge asks the client for A^(2^T) mod N.
type CPUChallenge struct {
	PuzzleID string
	N        *big.Int
	A        *big.Int
	T        uint64
}

// NetworkChallenge asks the client to echo Payload.
type NetworkChallenge struct {
	ProbeID string
	Payload []byte
}

// RoundResult tells the client how a round resolved.
type RoundResult struct {
	ChallengeID string
	Index       int
	RoundKind   string
	Outcome     string
}

// Summary is sent when a session finalizes.
type Summary struct {
	Published  bool
	Score      float64
	Confidence float64
}

// CPUSolution answers a CPUChallenge.
type CPUSolution struct {
	PuzzleID string
	Value    *big.Int
}

// NetworkEcho answers a NetworkChallenge.
type NetworkEcho struct {
	ProbeID string
	Payload []byte
}

// ClientError reports a client-side failure; it ends the session.
type ClientError struct {
	Message string
}

func (CPUChallenge) Kind() Kind     { return KindCPUChallenge }
func (NetworkChallenge) Kind() Kind { return KindNetworkChallenge }
func (RoundResult) Kind() Kind      { return KindRoundResult }
func (Summary) Kind() Kind          { return KindSummary }
func (CPUSolution) Kind() Kind      { return KindCPUSolution }
func (NetworkEcho) Kind() Kind      { return KindNetworkEcho }
func (ClientError) Kind() Kind      { return KindClientError }
