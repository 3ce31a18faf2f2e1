package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/vouch/internal/config"
	"github.com/okian/vouch/internal/domain/protocol"
	"github.com/okian/vouch/internal/domain/puzzle"
)

const (
	cpuReferenceNS     = 10_000
	networkReferenceNS = 200
	roundTimeout       = 10 * time.Second
)

// action is how the simulated client answers one challenge.
type action int

const (
	answer action = iota
	wrong
	timeout
	disconnect
	hang
)

// policy picks an action for the index-th challenge of a kind.
type policy func(kind protocol.Kind, index int) action

func always(a action) policy {
	return func(protocol.Kind, int) action { return a }
}

// simClient plays a measured client over an in-memory channel. It works at
// exactly the reference rate by advancing the fake clock before answering.
type simClient struct {
	clock clockwork.FakeClock
	act   policy

	mu       sync.Mutex
	pending  []protocol.Message
	issued   map[protocol.Kind]int
	results  []protocol.RoundResult
	summary  *protocol.Summary
	closed   bool
	closedCh chan struct{}
}

func newSimClient(clock clockwork.FakeClock, act policy) *simClient {
	return &simClient{
		clock:    clock,
		act:      act,
		issued:   make(map[protocol.Kind]int),
		closedCh: make(chan struct{}),
	}
}

func (c *simClient) Send(_ context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrDisconnected
	}
	switch m := msg.(type) {
	case protocol.CPUChallenge, protocol.NetworkChallenge:
		c.pending = append(c.pending, m)
	case protocol.RoundResult:
		c.results = append(c.results, m)
	case protocol.Summary:
		c.summary = &m
	}
	return nil
}

func (c *simClient) Receive(ctx context.Context) (protocol.Message, error) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil, protocol.ErrDisconnected
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	index := c.issued[msg.Kind()]
	c.issued[msg.Kind()]++
	c.mu.Unlock()

	switch c.act(msg.Kind(), index) {
	case disconnect:
		return nil, protocol.ErrDisconnected
	case timeout:
		c.clock.Advance(roundTimeout + time.Millisecond)
		<-ctx.Done()
		return nil, ctx.Err()
	case hang:
		<-ctx.Done()
		return nil, ctx.Err()
	case wrong:
		return c.reply(msg, true), nil
	default:
		return c.reply(msg, false), nil
	}
}

func (c *simClient) reply(msg protocol.Message, corrupt bool) protocol.Message {
	switch m := msg.(type) {
	case protocol.CPUChallenge:
		c.clock.Advance(time.Duration(m.T * cpuReferenceNS))
		t := m.T
		if corrupt {
			t--
		}
		return protocol.CPUSolution{PuzzleID: m.PuzzleID, Value: puzzle.Solve(m.N, m.A, t)}
	case protocol.NetworkChallenge:
		c.clock.Advance(time.Duration(len(m.Payload) * networkReferenceNS))
		payload := append([]byte(nil), m.Payload...)
		if corrupt {
			payload[0] ^= 0xff
		}
		return protocol.NetworkEcho{ProbeID: m.ProbeID, Payload: payload}
	}
	return protocol.ClientError{Message: "unexpected challenge"}
}

func (c *simClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *simClient) lastSummary() *protocol.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

func (c *simClient) outcomes(kind string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, r := range c.results {
		if r.RoundKind == kind {
			out = append(out, r.Outcome)
		}
	}
	return out
}

// testConfig returns a small, fast configuration.
func testConfig() *config.Config {
	cfg := config.New()
	cfg.CPUDifficulty = 64
	cfg.CPUMinDifficulty = 16
	cfg.CPUMaxDifficulty = 4096
	cfg.ProbeSizeBytes = 64
	cfg.Rounds = 3
	cfg.MinRounds = 3
	cfg.ConfidenceSamples = 3
	cfg.RoundTimeoutMS = int(roundTimeout / time.Millisecond)
	cfg.ModulusBits = 64
	cfg.PrimePoolSize = 2
	cfg.GeneratorWorkers = 2
	cfg.MaxListLimit = 10
	return cfg
}
