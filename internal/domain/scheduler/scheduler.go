// Package scheduler drives the per-client measurement state machine.
//
// A session alternates CPU and network rounds:
//
//	Idle -> IssuingCpuPuzzle -> AwaitingCpuSolution -> VerifyingCpuSolution
//	     -> IssuingNetworkProbe -> AwaitingEcho -> VerifyingEcho
//	     -> RoundComplete -> (next iteration) -> Finalized
//
// and can move to Terminated from any state. Rounds of an iteration are
// committed together at RoundComplete, so an iteration interrupted by a
// disconnect contributes nothing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/vouch/internal/domain/model"
	"github.com/okian/vouch/internal/domain/probe"
	"github.com/okian/vouch/internal/domain/protocol"
	"github.com/okian/vouch/internal/domain/puzzle"
	"github.com/okian/vouch/pkg/logger"
	"github.com/okian/vouch/pkg/metrics"
)

// Default scheduler configuration constants.
const (
	defaultRounds       = 5
	defaultHistorySize  = 20
	defaultRoundTimeout = 120 * time.Second
	defaultMaxInvalid   = 2
	defaultProbeSize    = 1 << 20
	defaultDifficulty   = 200_000
)

// PuzzleEngine issues and checks CPU challenges.
type PuzzleEngine interface {
	Generate(ctx context.Context, clientID string, round int, t uint64) (puzzle.Challenge, error)
	Verify(ctx context.Context, id, clientID string, submitted *big.Int) error
	Release(id string)
}

// Aggregator computes a score from a round history.
type Aggregator interface {
	Aggregate(clientID string, history []model.Round) (model.ScoreRecord, bool)
}

// Registry receives session projections.
type Registry interface {
	Update(ctx context.Context, info model.SessionInfo) error
}

// Scheduler runs measurement sessions. One Scheduler serves many sessions
// concurrently; each Run call owns its session state.
type Scheduler struct {
	engine   PuzzleEngine
	agg      Aggregator
	registry Registry
	clock    clockwork.Clock

	rounds       int
	historySize  int
	roundTimeout time.Duration
	maxInvalid   int
	probeSize    int
	difficulty   uint64
	calibrator   *calibrator

	logger logger.Logger
}

// New creates a scheduler with configuration options.
func New(engine PuzzleEngine, agg Aggregator, registry Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:       engine,
		agg:          agg,
		registry:     registry,
		clock:        clockwork.NewRealClock(),
		rounds:       defaultRounds,
		historySize:  defaultHistorySize,
		roundTimeout: defaultRoundTimeout,
		maxInvalid:   defaultMaxInvalid,
		probeSize:    defaultProbeSize,
		difficulty:   defaultDifficulty,
		logger:       logger.Get().Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// session is the state owned by one Run call.
type session struct {
	*Scheduler
	id string
	ch protocol.Channel

	state        model.SessionState
	history      *History
	counters     model.Counters
	score        *model.ScoreRecord
	difficulty   uint64
	invalid      int
	createdAt    time.Time
	lastActivity time.Time

	// stale holds timed-out challenges that may still receive one late answer.
	stale map[string]protocol.Kind

	log logger.Logger
}

// Run measures the client behind ch until the session finalizes or
// terminates. The returned error is nil only for a finalized session.
func (s *Scheduler) Run(ctx context.Context, clientID string, ch protocol.Channel) (model.SessionInfo, error) {
	now := s.clock.Now()
	ss := &session{
		Scheduler:    s,
		id:           clientID,
		ch:           ch,
		history:      NewHistory(s.historySize),
		difficulty:   s.difficulty,
		createdAt:    now,
		lastActivity: now,
		stale:        make(map[string]protocol.Kind),
		log:          s.logger.With(logger.ClientID(clientID)),
	}
	return ss.run(ctx)
}

func (ss *session) run(ctx context.Context) (model.SessionInfo, error) {
	ss.transition(ctx, model.StateIdle)

	for i := 0; i < ss.rounds; i++ {
		staged := make([]model.Round, 0, 2)

		cpu, err := ss.cpuRound(ctx, i)
		if err != nil {
			return ss.terminate(ctx, err)
		}
		staged = append(staged, cpu)

		network, err := ss.networkRound(ctx, i)
		if err != nil {
			return ss.terminate(ctx, err)
		}
		staged = append(staged, network)

		ss.commit(ctx, staged)
	}
	return ss.finalize(ctx)
}

func (ss *session) cpuRound(ctx context.Context, index int) (model.Round, error) {
	ss.transition(ctx, model.StateIssuingCPUPuzzle)
	ch, err := ss.engine.Generate(ctx, ss.id, index, ss.difficulty)
	if err != nil {
		if ctx.Err() != nil {
			return model.Round{}, context.Cause(ctx)
		}
		return model.Round{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	round := model.Round{
		ClientID:    ss.id,
		Index:       index,
		Kind:        model.KindCPU,
		ChallengeID: ch.ID,
		Difficulty:  ch.T,
	}

	msg := protocol.CPUChallenge{PuzzleID: ch.ID, N: ch.N, A: ch.A, T: ch.T}
	if err := ss.ch.Send(ctx, msg); err != nil {
		ss.engine.Release(ch.ID)
		return model.Round{}, ss.sendError(ctx, err)
	}
	// The solve clock starts once the challenge has left.
	round.IssuedAt = ss.clock.Now()
	ss.transition(ctx, model.StateAwaitingCPUSolution)

	reply, receivedAt, err := ss.await(ctx, ch.ID, protocol.KindCPUSolution)
	if errors.Is(err, ErrTimeout) {
		ss.engine.Release(ch.ID)
		ss.stale[ch.ID] = protocol.KindCPUSolution
		return ss.resolve(ctx, round, model.OutcomeTimeout, ss.clock.Now())
	}
	if err != nil {
		ss.engine.Release(ch.ID)
		return model.Round{}, err
	}

	ss.transition(ctx, model.StateVerifyingCPUSolution)
	sol, _ := reply.(protocol.CPUSolution)
	if verr := ss.engine.Verify(ctx, ch.ID, ss.id, sol.Value); verr != nil {
		ss.log.Info(ctx, "cpu solution rejected", logger.String("puzzle_id", ch.ID), logger.Error(verr))
		return ss.resolve(ctx, round, model.OutcomeInvalid, receivedAt)
	}
	elapsed, merr := probe.Measure(round.IssuedAt, receivedAt)
	if merr != nil {
		return ss.resolve(ctx, round, model.OutcomeDiscarded, receivedAt)
	}
	round.Elapsed = elapsed
	if ss.calibrator != nil {
		ss.difficulty = ss.calibrator.next(ch.T, elapsed)
	}
	return ss.resolve(ctx, round, model.OutcomeSuccess, receivedAt)
}

func (ss *session) networkRound(ctx context.Context, index int) (model.Round, error) {
	ss.transition(ctx, model.StateIssuingNetworkProbe)
	p, err := probe.Make(ss.probeSize)
	if err != nil {
		return model.Round{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	round := model.Round{
		ClientID:    ss.id,
		Index:       index,
		Kind:        model.KindNetwork,
		ChallengeID: p.ID,
		PayloadSize: len(p.Payload),
	}

	// The round trip includes the send.
	p.SentAt = ss.clock.Now()
	round.IssuedAt = p.SentAt
	if err := ss.ch.Send(ctx, protocol.NetworkChallenge{ProbeID: p.ID, Payload: p.Payload}); err != nil {
		return model.Round{}, ss.sendError(ctx, err)
	}
	ss.transition(ctx, model.StateAwaitingEcho)

	reply, receivedAt, err := ss.await(ctx, p.ID, protocol.KindNetworkEcho)
	if errors.Is(err, ErrTimeout) {
		ss.stale[p.ID] = protocol.KindNetworkEcho
		return ss.resolve(ctx, round, model.OutcomeTimeout, ss.clock.Now())
	}
	if err != nil {
		return model.Round{}, err
	}
	p.ReceivedAt = receivedAt

	ss.transition(ctx, model.StateVerifyingEcho)
	echo, _ := reply.(protocol.NetworkEcho)
	if !probe.VerifyEcho(p.Payload, echo.Payload) {
		ss.log.Info(ctx, "echo rejected", logger.String("probe_id", p.ID), logger.Error(probe.ErrEchoMismatch))
		return ss.resolve(ctx, round, model.OutcomeInvalid, receivedAt)
	}
	rtt, merr := probe.Measure(p.SentAt, p.ReceivedAt)
	if merr != nil {
		return ss.resolve(ctx, round, model.OutcomeDiscarded, receivedAt)
	}
	round.Elapsed = rtt
	return ss.resolve(ctx, round, model.OutcomeSuccess, receivedAt)
}

// resolve stamps the outcome, reports it to the client and enforces the
// invalid-round limit.
func (ss *session) resolve(ctx context.Context, r model.Round, outcome model.Outcome, at time.Time) (model.Round, error) {
	r.Outcome = outcome
	r.CompletedAt = at
	metrics.RecordRound(string(r.Kind), string(outcome), r.Elapsed)
	ss.log.Debug(ctx, "round resolved",
		logger.Int("index", r.Index),
		logger.String("kind", string(r.Kind)),
		logger.String("outcome", string(outcome)),
		logger.Duration("elapsed", r.Elapsed),
	)

	if outcome == model.OutcomeInvalid {
		ss.invalid++
		if ss.invalid > ss.maxInvalid {
			return model.Round{}, fmt.Errorf("%w: %d invalid rounds", ErrInvalidThreshold, ss.invalid)
		}
	}

	result := protocol.RoundResult{
		ChallengeID: r.ChallengeID,
		Index:       r.Index,
		RoundKind:   string(r.Kind),
		Outcome:     string(outcome),
	}
	if err := ss.ch.Send(ctx, result); err != nil {
		return model.Round{}, ss.sendError(ctx, err)
	}
	return r, nil
}

// await waits for the answer to challenge id. A single late answer to an
// earlier timed-out challenge is dropped; anything else unexpected is a
// protocol violation.
func (ss *session) await(ctx context.Context, id string, want protocol.Kind) (protocol.Message, time.Time, error) {
	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := ss.clock.AfterFunc(ss.roundTimeout, func() { cancel(ErrTimeout) })
	defer timer.Stop()

	for {
		msg, err := ss.ch.Receive(waitCtx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, time.Time{}, context.Cause(ctx)
			case errors.Is(context.Cause(waitCtx), ErrTimeout):
				return nil, time.Time{}, ErrTimeout
			case errors.Is(err, protocol.ErrMalformed):
				return nil, time.Time{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			case errors.Is(err, protocol.ErrDisconnected):
				return nil, time.Time{}, err
			default:
				return nil, time.Time{}, fmt.Errorf("%w: %w", protocol.ErrDisconnected, err)
			}
		}
		receivedAt := ss.clock.Now()
		ss.lastActivity = receivedAt

		var answered string
		switch m := msg.(type) {
		case protocol.ClientError:
			return nil, time.Time{}, fmt.Errorf("%w: %s", ErrClientError, m.Message)
		case protocol.CPUSolution:
			answered = m.PuzzleID
		case protocol.NetworkEcho:
			answered = m.ProbeID
		default:
			return nil, time.Time{}, fmt.Errorf("%w: unexpected %s from client", ErrProtocolViolation, msg.Kind())
		}

		if answered == id && msg.Kind() == want {
			return msg, receivedAt, nil
		}
		if kind, ok := ss.stale[answered]; ok && kind == msg.Kind() {
			delete(ss.stale, answered)
			ss.log.Debug(ctx, "late answer discarded", logger.String("challenge_id", answered))
			continue
		}
		return nil, time.Time{}, fmt.Errorf("%w: %s for %q while awaiting %q", ErrProtocolViolation, msg.Kind(), answered, id)
	}
}

// commit appends a finished iteration and recomputes the score.
func (ss *session) commit(ctx context.Context, staged []model.Round) {
	ss.history.Append(staged...)
	for _, r := range staged {
		ss.counters.Add(r)
	}
	ss.counters.Iterations++

	// A score the current window no longer supports is withdrawn.
	if rec, ok := ss.agg.Aggregate(ss.id, ss.history.Rounds()); ok {
		ss.score = &rec
		metrics.RecordScorePublished(rec.Score, rec.Confidence)
	} else if ss.score != nil {
		ss.score = nil
		metrics.RecordScoreWithdrawn()
		ss.log.Info(ctx, "score withdrawn", logger.Int("iterations", ss.counters.Iterations))
	}
	ss.transition(ctx, model.StateRoundComplete)
}

func (ss *session) finalize(ctx context.Context) (model.SessionInfo, error) {
	summary := protocol.Summary{}
	if ss.score != nil {
		summary = protocol.Summary{Published: true, Score: ss.score.Score, Confidence: ss.score.Confidence}
	}
	if err := ss.ch.Send(ctx, summary); err != nil {
		ss.log.Warn(ctx, "summary not delivered", logger.Error(err))
	}

	ss.state = model.StateFinalized
	info := ss.snapshot(model.EndCompleted)
	ss.publish(ctx, info)
	ss.log.Info(ctx, "session finalized",
		logger.Int("iterations", ss.counters.Iterations),
		logger.Bool("scored", ss.score != nil),
	)
	return info, nil
}

func (ss *session) terminate(ctx context.Context, cause error) (model.SessionInfo, error) {
	ss.state = model.StateTerminated
	reason := ReasonFor(cause)
	info := ss.snapshot(reason)
	ss.publish(context.WithoutCancel(ctx), info)
	ss.log.Info(ctx, "session terminated", logger.String("reason", string(reason)), logger.Error(cause))
	return info, cause
}

func (ss *session) transition(ctx context.Context, state model.SessionState) {
	ss.state = state
	ss.publish(ctx, ss.snapshot(""))
}

func (ss *session) snapshot(reason model.EndReason) model.SessionInfo {
	info := model.SessionInfo{
		ClientID:     ss.id,
		State:        ss.state,
		Counters:     ss.counters,
		Difficulty:   ss.difficulty,
		CreatedAt:    ss.createdAt,
		LastActivity: ss.lastActivity,
		EndReason:    reason,
	}
	if ss.score != nil {
		rec := *ss.score
		info.Score = &rec
	}
	if ss.state.Terminal() {
		info.EndedAt = ss.clock.Now()
	}
	return info
}

func (ss *session) publish(ctx context.Context, info model.SessionInfo) {
	if err := ss.registry.Update(ctx, info); err != nil {
		ss.log.Warn(ctx, "registry update failed", logger.String("state", string(info.State)), logger.Error(err))
	}
}

// sendError prefers the session's cancellation cause over transport noise.
func (ss *session) sendError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if errors.Is(err, protocol.ErrDisconnected) {
		return err
	}
	return fmt.Errorf("%w: %w", protocol.ErrDisconnected, err)
}
