package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/vouch/internal/domain/model"
	"github.com/okian/vouch/internal/domain/protocol"
	"github.com/okian/vouch/internal/domain/puzzle"
	"github.com/okian/vouch/internal/domain/scheduler"
	"github.com/okian/vouch/internal/domain/scoring"
	"github.com/okian/vouch/pkg/logger"
)

func init() {
	_ = logger.Init()
}

type harness struct {
	clock    clockwork.FakeClock
	engine   *puzzle.Engine
	registry *recordingRegistry
	agg      *recordingAggregator
}

func newHarness() *harness {
	pool := puzzle.NewPool(goSubmitter{}, puzzle.WithModulusBits(128), puzzle.WithPoolSize(2))
	engine, err := puzzle.NewEngine(pool)
	So(err, ShouldBeNil)
	return &harness{
		clock:    clockwork.NewFakeClock(),
		engine:   engine,
		registry: &recordingRegistry{},
		agg:      &recordingAggregator{inner: scoring.NewAggregator(scoring.WithMinRounds(2))},
	}
}

func (h *harness) scheduler(engine scheduler.PuzzleEngine, opts ...scheduler.Option) *scheduler.Scheduler {
	base := []scheduler.Option{
		scheduler.WithClock(h.clock),
		scheduler.WithRounds(3),
		scheduler.WithRoundTimeout(roundTimeout),
		scheduler.WithProbeSize(256),
		scheduler.WithDifficulty(50),
		scheduler.WithMaxInvalidRounds(1),
	}
	return scheduler.New(engine, h.agg, h.registry, append(base, opts...)...)
}

func TestHonestClient(t *testing.T) {
	Convey("Given an honest client", t, func() {
		h := newHarness()
		ch := newChannel(h.clock, honest(3, 100*time.Millisecond, 20*time.Millisecond)...)
		ch.sendDelay = 5 * time.Millisecond

		Convey("When the session runs to completion", func() {
			info, err := h.scheduler(h.engine).Run(context.Background(), "client-1", ch)

			Convey("Then it should finalize with a published score", func() {
				So(err, ShouldBeNil)
				So(info.State, ShouldEqual, model.StateFinalized)
				So(info.EndReason, ShouldEqual, model.EndCompleted)
				So(info.Score, ShouldNotBeNil)
				So(info.Counters, ShouldResemble, model.Counters{CPUValid: 3, NetworkValid: 3, Iterations: 3})
			})

			Convey("And CPU time should start after the send while network time includes it", func() {
				for _, r := range h.agg.history() {
					switch r.Kind {
					case model.KindCPU:
						So(r.Elapsed, ShouldEqual, 100*time.Millisecond)
					case model.KindNetwork:
						So(r.Elapsed, ShouldEqual, 25*time.Millisecond)
						So(r.PayloadSize, ShouldEqual, 256)
					}
					So(r.Outcome, ShouldEqual, model.OutcomeSuccess)
				}
			})

			Convey("And the client should receive round results and a summary", func() {
				msgs := ch.messages()
				results := 0
				for _, m := range msgs {
					if m.Kind() == protocol.KindRoundResult {
						results++
					}
				}
				So(results, ShouldEqual, 6)
				summary, isSummary := msgs[len(msgs)-1].(protocol.Summary)
				So(isSummary, ShouldBeTrue)
				So(summary.Published, ShouldBeTrue)
				So(summary.Score, ShouldEqual, info.Score.Score)
			})

			Convey("And every transition should reach the registry in order", func() {
				states := h.registry.states()
				So(states[:9], ShouldResemble, []model.SessionState{
					model.StateIdle,
					model.StateIssuingCPUPuzzle,
					model.StateAwaitingCPUSolution,
					model.StateVerifyingCPUSolution,
					model.StateIssuingNetworkProbe,
					model.StateAwaitingEcho,
					model.StateVerifyingEcho,
					model.StateRoundComplete,
					model.StateIssuingCPUPuzzle,
				})
				So(states[len(states)-1], ShouldEqual, model.StateFinalized)
			})

			Convey("And no puzzle should remain pending", func() {
				So(h.engine.Pending(), ShouldEqual, 0)
			})
		})
	})
}

func TestTimeouts(t *testing.T) {
	Convey("Given a client that misses one CPU deadline", t, func() {
		h := newHarness()
		steps := []step{
			{timeout: true},
			ok(10*time.Millisecond, lateSolve(0)),
			ok(10*time.Millisecond, echo),
		}
		steps = append(steps, honest(2, 10*time.Millisecond, 10*time.Millisecond)...)

		Convey("When the late answer arrives once", func() {
			ch := newChannel(h.clock, steps...)
			info, err := h.scheduler(h.engine).Run(context.Background(), "client-1", ch)

			Convey("Then it should be discarded and the session should continue", func() {
				So(err, ShouldBeNil)
				So(info.State, ShouldEqual, model.StateFinalized)
				So(info.Counters.CPUFailed, ShouldEqual, 1)
				So(info.Counters.CPUValid, ShouldEqual, 2)
				So(info.Counters.NetworkValid, ShouldEqual, 3)
			})

			Convey("And the timed-out puzzle should be released", func() {
				So(h.engine.Pending(), ShouldEqual, 0)
			})
		})

		Convey("When the late answer arrives twice", func() {
			dup := append([]step{steps[0], steps[1], steps[1]}, steps[2:]...)
			ch := newChannel(h.clock, dup...)
			info, err := h.scheduler(h.engine).Run(context.Background(), "client-1", ch)

			Convey("Then the second copy should be a protocol violation", func() {
				So(errors.Is(err, scheduler.ErrProtocolViolation), ShouldBeTrue)
				So(info.State, ShouldEqual, model.StateTerminated)
				So(info.EndReason, ShouldEqual, model.EndProtocolViolation)
			})
		})
	})

	Convey("Given a client that never answers", t, func() {
		h := newHarness()
		var steps []step
		for i := 0; i < 6; i++ {
			steps = append(steps, step{timeout: true})
		}
		ch := newChannel(h.clock, steps...)

		Convey("When every round times out", func() {
			info, err := h.scheduler(h.engine).Run(context.Background(), "client-1", ch)

			Convey("Then the session should finalize without a score", func() {
				So(err, ShouldBeNil)
				So(info.Score, ShouldBeNil)
				So(info.Counters.CPUFailed, ShouldEqual, 3)
				So(info.Counters.NetworkFailed, ShouldEqual, 3)
				summary, _ := ch.messages()[len(ch.messages())-1].(protocol.Summary)
				So(summary.Published, ShouldBeFalse)
			})
		})
	})
}

func TestInvalidAnswers(t *testing.T) {
	Convey("Given a client that answers wrongly", t, func() {
		h := newHarness()

		Convey("When invalid rounds exceed the limit", func() {
			ch := newChannel(h.clock,
				ok(time.Millisecond, wrongSolution),
				ok(time.Millisecond, corruptEcho),
			)
			info, err := h.scheduler(h.engine).Run(context.Background(), "client-1", ch)

			Convey("Then the session should terminate", func() {
				So(errors.Is(err, scheduler.ErrInvalidThreshold), ShouldBeTrue)
				So(info.State, ShouldEqual, model.StateTerminated)
				So(info.EndReason, ShouldEqual, model.EndInvalidThreshold)
				So(info.Counters.Iterations, ShouldEqual, 0)
			})
		})

		Convey("When a single echo is corrupted", func() {
			steps := []step{ok(time.Millisecond, solve), ok(time.Millisecond, corruptEcho)}
			steps = append(steps, honest(2, time.Millisecond, time.Millisecond)...)
			ch := newChannel(h.clock, steps...)
			info, err := h.scheduler(h.engine).Run(context.Background(), "client-1", ch)

			Convey("Then the round should count as invalid and the session should finish", func() {
				So(err, ShouldBeNil)
				So(info.Counters.NetworkFailed, ShouldEqual, 1)
				So(info.Counters.NetworkValid, ShouldEqual, 2)
			})
		})
	})
}

func TestSessionTermination(t *testing.T) {
	Convey("Given a session in progress", t, func() {
		h := newHarness()

		Convey("When the client disconnects mid-iteration", func() {
			steps := honest(1, time.Millisecond, time.Millisecond)
			steps = append(steps, ok(time.Millisecond, solve), step{err: protocol.ErrDisconnected})
			ch := newChannel(h.clock, steps...)
			info, err := h.scheduler(h.engine).Run(context.Background(), "client-1", ch)

			Convey("Then only the completed iteration should count", func() {
				So(errors.Is(err, protocol.ErrDisconnected), ShouldBeTrue)
				So(info.State, ShouldEqual, model.StateTerminated)
				So(info.EndReason, ShouldEqual, model.EndDisconnected)
				So(info.Counters, ShouldResemble, model.Counters{CPUValid: 1, NetworkValid: 1, Iterations: 1})
				So(info.EndedAt, ShouldEqual, h.clock.Now())
			})
		})

		Convey("When the client answers an unknown challenge", func() {
			ch := newChannel(h.clock, ok(time.Millisecond, unknownSolution))
			info, err := h.scheduler(h.engine).Run(context.Background(), "client-1", ch)

			Convey("Then the session should end with a protocol violation", func() {
				So(errors.Is(err, scheduler.ErrProtocolViolation), ShouldBeTrue)
				So(info.EndReason, ShouldEqual, model.EndProtocolViolation)
				So(h.engine.Pending(), ShouldEqual, 0)
			})
		})

		Convey("When the client answers with the wrong kind", func() {
			ch := newChannel(h.clock, ok(time.Millisecond, solve), ok(time.Millisecond, solve))
			_, err := h.scheduler(h.engine).Run(context.Background(), "client-1", ch)
			So(errors.Is(err, scheduler.ErrProtocolViolation), ShouldBeTrue)
		})

		Convey("When a malformed frame arrives", func() {
			ch := newChannel(h.clock, step{err: protocol.ErrMalformed})
			info, err := h.scheduler(h.engine).Run(context.Background(), "client-1", ch)
			So(errors.Is(err, scheduler.ErrProtocolViolation), ShouldBeTrue)
			So(info.EndReason, ShouldEqual, model.EndProtocolViolation)
		})

		Convey("When the client reports an error", func() {
			ch := newChannel(h.clock, ok(time.Millisecond, clientError))
			info, err := h.scheduler(h.engine).Run(context.Background(), "client-1", ch)
			So(errors.Is(err, scheduler.ErrClientError), ShouldBeTrue)
			So(info.EndReason, ShouldEqual, model.EndClientError)
		})

		Convey("When the supervisor cancels the session as idle", func() {
			ctx, cancel := context.WithCancelCause(context.Background())
			defer cancel(nil)
			ch := newChannel(h.clock, step{block: func() { cancel(scheduler.ErrIdle) }})
			info, err := h.scheduler(h.engine).Run(ctx, "client-1", ch)

			Convey("Then the cause should become the end reason", func() {
				So(errors.Is(err, scheduler.ErrIdle), ShouldBeTrue)
				So(info.EndReason, ShouldEqual, model.EndIdleTimeout)
			})
		})

		Convey("When puzzle generation fails after a score exists", func() {
			steps := honest(2, time.Millisecond, time.Millisecond)
			ch := newChannel(h.clock, steps...)
			flaky := &flakyEngine{Engine: h.engine, n: 2}
			info, err := h.scheduler(flaky).Run(context.Background(), "client-1", ch)

			Convey("Then the session should end but keep its score", func() {
				So(errors.Is(err, scheduler.ErrGenerationFailed), ShouldBeTrue)
				So(info.EndReason, ShouldEqual, model.EndGenerationFailed)
				So(info.Score, ShouldNotBeNil)
				So(info.Counters.Iterations, ShouldEqual, 2)
			})
		})
	})
}

func TestAdaptiveDifficulty(t *testing.T) {
	Convey("Given adaptive difficulty targeting 100ms", t, func() {
		h := newHarness()
		ch := newChannel(h.clock, honest(3, 25*time.Millisecond, time.Millisecond)...)
		s := h.scheduler(h.engine, scheduler.WithAdaptiveDifficulty(100*time.Millisecond, 10, 150))

		Convey("When a client solves faster than the target", func() {
			info, err := s.Run(context.Background(), "client-1", ch)

			Convey("Then difficulty should grow by at most 2x per round and stop at the max", func() {
				So(err, ShouldBeNil)
				var difficulties []uint64
				for _, r := range h.agg.history() {
					if r.Kind == model.KindCPU {
						difficulties = append(difficulties, r.Difficulty)
					}
				}
				So(difficulties, ShouldResemble, []uint64{50, 100, 150})
				So(info.Difficulty, ShouldEqual, 150)
			})
		})
	})
}

func TestReasonFor(t *testing.T) {
	Convey("Given session errors", t, func() {
		So(scheduler.ReasonFor(nil), ShouldEqual, model.EndCompleted)
		So(scheduler.ReasonFor(scheduler.ErrShutdown), ShouldEqual, model.EndShutdown)
		So(scheduler.ReasonFor(context.Canceled), ShouldEqual, model.EndDisconnected)
		So(scheduler.ReasonFor(protocol.ErrMalformed), ShouldEqual, model.EndProtocolViolation)
	})
}
