package model

import "time"

// SessionState is the position of a client in the measurement state machine.
type SessionState string

const (
	StateIdle                 SessionState = "idle"
	StateIssuingCPUPuzzle     SessionState = "issuing_cpu_puzzle"
	StateAwaitingCPUSolution  SessionState = "awaiting_cpu_solution"
	StateVerifyingCPUSolution SessionState = "verifying_cpu_solution"
	StateIssuingNetworkProbe  SessionState = "issuing_network_probe"
	StateAwaitingEcho         SessionState = "awaiting_echo"
	StateVerifyingEcho        SessionState = "verifying_echo"
	StateRoundComplete        SessionState = "round_complete"
	StateFinalized            SessionState = "finalized"
	StateTerminated           SessionState = "terminated"
)

// Terminal reports whether no further transitions can happen.
func (s SessionState) Terminal() bool {
	return s == StateFinalized || s == StateTerminated
}

// EndReason explains why a session stopped.
type EndReason string

const (
	EndCompleted         EndReason = "completed"
	EndDisconnected      EndReason = "disconnected"
	EndProtocolViolation EndReason = "protocol_violation"
	EndInvalidThreshold  EndReason = "invalid_threshold"
	EndClientError       EndReason = "client_error"
	EndIdleTimeout       EndReason = "idle_timeout"
	EndGenerationFailed  EndReason = "generation_failed"
	EndShutdown          EndReason = "shutdown"
)

// Counters tallies resolved rounds per kind.
type Counters struct {
	CPUValid      int `json:"cpu_valid"`
	CPUFailed     int `json:"cpu_failed"`
	NetworkValid  int `json:"network_valid"`
	NetworkFailed int `json:"network_failed"`
	// Iterations counts committed CPU+network pairs.
	Iterations int `json:"iterations"`
}

// Add tallies r into the counters.
func (c *Counters) Add(r Round) {
	switch {
	case r.Kind == KindCPU && r.Valid():
		c.CPUValid++
	case r.Kind == KindCPU && r.Failed():
		c.CPUFailed++
	case r.Kind == KindNetwork && r.Valid():
		c.NetworkValid++
	case r.Kind == KindNetwork && r.Failed():
		c.NetworkFailed++
	}
}

// SessionInfo is the registry's read-only projection of a session.
// Values are immutable once published.
type SessionInfo struct {
	ClientID     string       `json:"client_id"`
	State        SessionState `json:"state"`
	Score        *ScoreRecord `json:"score,omitempty"`
	Counters     Counters     `json:"counters"`
	Difficulty   uint64       `json:"difficulty"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	EndedAt      time.Time    `json:"ended_at,omitzero"`
	EndReason    EndReason    `json:"end_reason,omitempty"`
}
