package scheduler_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/vouch/internal/adapters/mq/queue"
	"github.com/okian/vouch/internal/domain/model"
	"github.com/okian/vouch/internal/domain/protocol"
	"github.com/okian/vouch/internal/domain/puzzle"
)

const roundTimeout = 10 * time.Second

// step is one scripted client action answering a Receive call.
type step struct {
	delay   time.Duration
	reply   func(c *scriptedChannel) protocol.Message
	timeout bool
	block   func()
	err     error
}

// scriptedChannel plays a client whose behavior is fixed in advance. Time
// only moves when the script says so.
type scriptedChannel struct {
	clock     clockwork.FakeClock
	sendDelay time.Duration

	mu      sync.Mutex
	steps   []step
	sent    []protocol.Message
	cpu     []protocol.CPUChallenge
	network []protocol.NetworkChallenge
	closed  bool
}

func newChannel(clock clockwork.FakeClock, steps ...step) *scriptedChannel {
	return &scriptedChannel{clock: clock, steps: steps}
}

func (c *scriptedChannel) Send(_ context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrDisconnected
	}
	c.sent = append(c.sent, msg)
	switch m := msg.(type) {
	case protocol.CPUChallenge:
		c.cpu = append(c.cpu, m)
	case protocol.NetworkChallenge:
		c.network = append(c.network, m)
		c.clock.Advance(c.sendDelay)
	}
	return nil
}

func (c *scriptedChannel) Receive(ctx context.Context) (protocol.Message, error) {
	c.mu.Lock()
	if len(c.steps) == 0 {
		c.mu.Unlock()
		return nil, protocol.ErrDisconnected
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	c.mu.Unlock()

	switch {
	case s.err != nil:
		return nil, s.err
	case s.timeout:
		c.clock.Advance(roundTimeout + time.Millisecond)
		<-ctx.Done()
		return nil, ctx.Err()
	case s.block != nil:
		s.block()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c.clock.Advance(s.delay)
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.reply(c), nil
}

func (c *scriptedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedChannel) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

// Reply builders.

func solve(c *scriptedChannel) protocol.Message {
	ch := c.cpu[len(c.cpu)-1]
	return protocol.CPUSolution{PuzzleID: ch.PuzzleID, Value: puzzle.Solve(ch.N, ch.A, ch.T)}
}

func wrongSolution(c *scriptedChannel) protocol.Message {
	ch := c.cpu[len(c.cpu)-1]
	return protocol.CPUSolution{PuzzleID: ch.PuzzleID, Value: puzzle.Solve(ch.N, ch.A, ch.T-1)}
}

func echo(c *scriptedChannel) protocol.Message {
	ch := c.network[len(c.network)-1]
	return protocol.NetworkEcho{ProbeID: ch.ProbeID, Payload: ch.Payload}
}

func corruptEcho(c *scriptedChannel) protocol.Message {
	ch := c.network[len(c.network)-1]
	payload := append([]byte(nil), ch.Payload...)
	payload[0] ^= 0xff
	return protocol.NetworkEcho{ProbeID: ch.ProbeID, Payload: payload}
}

func lateSolve(i int) func(c *scriptedChannel) protocol.Message {
	return func(c *scriptedChannel) protocol.Message {
		ch := c.cpu[i]
		return protocol.CPUSolution{PuzzleID: ch.PuzzleID, Value: puzzle.Solve(ch.N, ch.A, ch.T)}
	}
}

func unknownSolution(*scriptedChannel) protocol.Message {
	return protocol.CPUSolution{PuzzleID: "never-issued", Value: big.NewInt(1)}
}

func clientError(*scriptedChannel) protocol.Message {
	return protocol.ClientError{Message: "out of memory"}
}

func ok(delay time.Duration, reply func(*scriptedChannel) protocol.Message) step {
	return step{delay: delay, reply: reply}
}

// honest returns the steps of n well-behaved iterations.
func honest(n int, cpuDelay, netDelay time.Duration) []step {
	var steps []step
	for i := 0; i < n; i++ {
		steps = append(steps, ok(cpuDelay, solve), ok(netDelay, echo))
	}
	return steps
}

// recordingRegistry keeps every projection it receives.
type recordingRegistry struct {
	mu    sync.Mutex
	infos []model.SessionInfo
}

func (r *recordingRegistry) Update(_ context.Context, info model.SessionInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, info)
	return nil
}

func (r *recordingRegistry) states() []model.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.SessionState, len(r.infos))
	for i, info := range r.infos {
		out[i] = info.State
	}
	return out
}

// recordingAggregator captures the history it was last given.
type recordingAggregator struct {
	inner interface {
		Aggregate(string, []model.Round) (model.ScoreRecord, bool)
	}
	mu   sync.Mutex
	last []model.Round
}

func (a *recordingAggregator) Aggregate(id string, h []model.Round) (model.ScoreRecord, bool) {
	a.mu.Lock()
	a.last = h
	a.mu.Unlock()
	return a.inner.Aggregate(id, h)
}

func (a *recordingAggregator) history() []model.Round {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// goSubmitter runs each job on its own goroutine.
type goSubmitter struct{}

func (goSubmitter) Submit(_ context.Context, job queue.Job) error {
	go func() { _ = job.Run(context.Background()) }()
	return nil
}

// flakyEngine fails every Generate call after the first n.
type flakyEngine struct {
	*puzzle.Engine
	mu sync.Mutex
	n  int
}

func (f *flakyEngine) Generate(ctx context.Context, clientID string, round int, t uint64) (puzzle.Challenge, error) {
	f.mu.Lock()
	f.n--
	exhausted := f.n < 0
	f.mu.Unlock()
	if exhausted {
		return puzzle.Challenge{}, errors.New("no primes")
	}
	return f.Engine.Generate(ctx, clientID, round, t)
}
