package protocol

import (
	"encoding/json"
	"fmt"
	"math/big"
)

type envelope struct {
	Type Kind            `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Wire forms. Big integers travel as lowercase hex without prefix.
type (
	cpuChallengeWire struct {
		PuzzleID string `json:"puzzle_id"`
		N        string `json:"n"`
		A        string `json:"a"`
		T        uint64 `json:"t"`
	}
	networkChallengeWire struct {
		ProbeID string `json:"probe_id"`
		Payload []byte `json:"payload"`
	}
	roundResultWire struct {
		ChallengeID string `json:"challenge_id"`
		Index       int    `json:"index"`
		Kind        string `json:"kind"`
		Outcome     string `json:"outcome"`
	}
	summaryWire struct {
		Published  bool    `json:"published"`
		Score      float64 `json:"score"`
		Confidence float64 `json:"confidence"`
	}
	cpuSolutionWire struct {
		PuzzleID string `json:"puzzle_id"`
		Value    string `json:"value"`
	}
	networkEchoWire struct {
		ProbeID string `json:"probe_id"`
		Payload []byte `json:"payload"`
	}
	clientErrorWire struct {
		Message string `json:"message"`
	}
)

// Encode serializes msg as a {"type", "body"} JSON envelope.
func Encode(msg Message) ([]byte, error) {
	var body any
	switch m := msg.(type) {
	case CPUChallenge:
		body = cpuChallengeWire{PuzzleID: m.PuzzleID, N: hex(m.N), A: hex(m.A), T: m.T}
	case NetworkChallenge:
		body = networkChallengeWire{ProbeID: m.ProbeID, Payload: m.Payload}
	case RoundResult:
		body = roundResultWire{ChallengeID: m.ChallengeID, Index: m.Index, Kind: m.RoundKind, Outcome: m.Outcome}
	case Summary:
		body = summaryWire{Published: m.Published, Score: m.Score, Confidence: m.Confidence}
	case CPUSolution:
		body = cpuSolutionWire{PuzzleID: m.PuzzleID, Value: hex(m.Value)}
	case NetworkEcho:
		body = networkEchoWire{ProbeID: m.ProbeID, Payload: m.Payload}
	case ClientError:
		body = clientErrorWire{Message: m.Message}
	default:
		return nil, fmt.Errorf("encode %T: unsupported message", msg)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Type: msg.Kind(), Body: raw})
}

// Decode parses an envelope produced by Encode. Every failure wraps
// ErrMalformed.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: missing body", ErrMalformed)
	}

	switch env.Type {
	case KindCPUChallenge:
		var w cpuChallengeWire
		if err := unmarshal(env, &w); err != nil {
			return nil, err
		}
		n, err := parseHex("n", w.N)
		if err != nil {
			return nil, err
		}
		a, err := parseHex("a", w.A)
		if err != nil {
			return nil, err
		}
		return CPUChallenge{PuzzleID: w.PuzzleID, N: n, A: a, T: w.T}, nil
	case KindNetworkChallenge:
		var w networkChallengeWire
		if err := unmarshal(env, &w); err != nil {
			return nil, err
		}
		return NetworkChallenge{ProbeID: w.ProbeID, Payload: w.Payload}, nil
	case KindRoundResult:
		var w roundResultWire
		if err := unmarshal(env, &w); err != nil {
			return nil, err
		}
		return RoundResult{ChallengeID: w.ChallengeID, Index: w.Index, RoundKind: w.Kind, Outcome: w.Outcome}, nil
	case KindSummary:
		var w summaryWire
		if err := unmarshal(env, &w); err != nil {
			return nil, err
		}
		return Summary{Published: w.Published, Score: w.Score, Confidence: w.Confidence}, nil
	case KindCPUSolution:
		var w cpuSolutionWire
		if err := unmarshal(env, &w); err != nil {
			return nil, err
		}
		v, err := parseHex("value", w.Value)
		if err != nil {
			return nil, err
		}
		return CPUSolution{PuzzleID: w.PuzzleID, Value: v}, nil
	case KindNetworkEcho:
		var w networkEchoWire
		if err := unmarshal(env, &w); err != nil {
			return nil, err
		}
		return NetworkEcho{ProbeID: w.ProbeID, Payload: w.Payload}, nil
	case KindClientError:
		var w clientErrorWire
		if err := unmarshal(env, &w); err != nil {
			return nil, err
		}
		return ClientError{Message: w.Message}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}

func unmarshal(env envelope, dst any) error {
	if err := json.Unmarshal(env.Body, dst); err != nil {
		return fmt.Errorf("%w: %s body: %w", ErrMalformed, env.Type, err)
	}
	return nil
}

func hex(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.Text(16)
}

func parseHex(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s is not a non-negative hex integer", ErrMalformed, field)
	}
	return v, nil
}
