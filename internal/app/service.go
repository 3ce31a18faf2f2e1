// Package service supervises measurement sessions and implements the read
// API consumed by the HTTP and websocket adapters.
package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/okian/vouch/internal/adapters/archive"
	"github.com/okian/vouch/internal/adapters/mq/queue"
	"github.com/okian/vouch/internal/adapters/mq/worker"
	"github.com/okian/vouch/internal/adapters/repository"
	"github.com/okian/vouch/internal/config"
	"github.com/okian/vouch/internal/domain/model"
	"github.com/okian/vouch/internal/domain/protocol"
	"github.com/okian/vouch/internal/domain/puzzle"
	"github.com/okian/vouch/internal/domain/scheduler"
	"github.com/okian/vouch/internal/domain/scoring"
	"github.com/okian/vouch/internal/domain/types"
	"github.com/okian/vouch/pkg/logger"
	"github.com/okian/vouch/pkg/metrics"
)

const (
	// jobQueueFactor sizes the generation queue relative to the prime pool.
	jobQueueFactor    = 4
	minReapInterval   = time.Second
	sessionDrainGrace = 5 * time.Second
)

// tracked is a live session owned by the supervisor.
type tracked struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	info   model.SessionInfo
}

// Service wires the measurement components and supervises sessions.
type Service struct {
	mu sync.RWMutex

	cfg       *config.Config
	clock     clockwork.Clock
	generator puzzle.GeneratorFunc

	// Components built by Start.
	queue     *queue.InMemoryQueue
	workers   *worker.Pool
	pool      *puzzle.Pool
	engine    *puzzle.Engine
	registry  *repository.Registry
	archive   *archive.BoltArchive
	scheduler *scheduler.Scheduler

	// Admission.
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	sessionsMu sync.Mutex
	sessions   map[string]*tracked
	wg         sync.WaitGroup

	root       context.Context
	rootCancel context.CancelCauseFunc

	started bool
	stopped bool

	logger logger.Logger
}

// New constructs a service from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		generator: puzzle.GeneratePrimes,
		sessions:  make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start builds the components and starts the background loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.stopped {
		return ErrStopped
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	cfg := s.cfg

	s.logger.Info(ctx, "starting reliability service...")

	s.root, s.rootCancel = context.WithCancelCause(context.WithoutCancel(ctx))

	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(cfg.PrimePoolSize * jobQueueFactor))
	s.workers = worker.NewPool(cfg.GeneratorWorkers, s.queue)
	s.workers.Start(s.root)

	s.pool = puzzle.NewPool(s.workers,
		puzzle.WithModulusBits(cfg.ModulusBits),
		puzzle.WithPoolSize(cfg.PrimePoolSize),
		puzzle.WithGenerator(s.generator),
	)
	engine, err := puzzle.NewEngine(s.pool,
		puzzle.WithClock(s.clock),
		puzzle.WithModulusMaxUses(cfg.ModulusMaxUses),
		puzzle.WithPrimeWait(cfg.PrimeWait()),
		puzzle.WithGenerationRetries(cfg.GenerationRetries),
		puzzle.WithLedgerSize(cfg.MaxSessions*2),
	)
	if err != nil {
		s.rootCancel(scheduler.ErrShutdown)
		_ = s.workers.Shutdown(ctx)
		return fmt.Errorf("create puzzle engine: %w", err)
	}
	s.engine = engine

	regOpts := []repository.Option{
		repository.WithClock(s.clock),
		repository.WithGracePeriod(cfg.RegistryGrace()),
	}
	if cfg.ArchivePath != "" {
		a, err := archive.Open(ctx, cfg.ArchivePath)
		if err != nil {
			s.rootCancel(scheduler.ErrShutdown)
			_ = s.workers.Shutdown(ctx)
			return err
		}
		s.archive = a
		regOpts = append(regOpts, repository.WithArchive(a))
	}
	s.registry = repository.NewRegistry(regOpts...)
	s.registry.Start(s.root)

	agg := scoring.NewAggregator(
		scoring.WithWeights(cfg.CPUWeight, cfg.NetworkWeight),
		scoring.WithReferences(cfg.CPUReferenceNS, cfg.NetworkReferenceNS),
		scoring.WithRange(cfg.ScoreMin, cfg.ScoreMax),
		scoring.WithMinRounds(cfg.MinRounds),
		scoring.WithConfidenceSamples(cfg.ConfidenceSamples),
		scoring.WithAllowPartial(cfg.AllowPartialScore),
	)
	schedOpts := []scheduler.Option{
		scheduler.WithClock(s.clock),
		scheduler.WithRounds(cfg.Rounds),
		scheduler.WithHistorySize(cfg.HistorySize),
		scheduler.WithRoundTimeout(cfg.RoundTimeout()),
		scheduler.WithMaxInvalidRounds(cfg.MaxInvalidRounds),
		scheduler.WithProbeSize(cfg.ProbeSizeBytes),
		scheduler.WithDifficulty(cfg.CPUDifficulty),
	}
	if cfg.AdaptiveDifficulty {
		schedOpts = append(schedOpts,
			scheduler.WithAdaptiveDifficulty(cfg.CPUTargetSolve(), cfg.CPUMinDifficulty, cfg.CPUMaxDifficulty))
	}
	s.scheduler = scheduler.New(s.engine, agg, s.registry, schedOpts...)

	s.sem = semaphore.NewWeighted(int64(cfg.MaxSessions))
	s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)

	s.engine.Warm(s.root)
	go s.reapIdle(s.root)

	s.started = true
	s.logger.Info(ctx, "reliability service started",
		logger.Int("generator_workers", s.workers.Size()),
		logger.Int("max_sessions", cfg.MaxSessions),
		logger.Int("modulus_bits", cfg.ModulusBits),
		logger.Uint64("cpu_difficulty", cfg.CPUDifficulty),
		logger.Bool("archive", s.archive != nil),
	)
	return nil
}

// Stop terminates every live session with reason shutdown, then tears the
// components down. Teardown errors are aggregated.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info(ctx, "stopping reliability service...")
	s.rootCancel(scheduler.ErrShutdown)

	var result *multierror.Error

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	drainCtx, cancel := context.WithTimeout(ctx, sessionDrainGrace)
	defer cancel()
	select {
	case <-drained:
	case <-drainCtx.Done():
		result = multierror.Append(result, fmt.Errorf("sessions did not drain: %w", drainCtx.Err()))
	}

	if err := s.registry.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.workers.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("worker pool: %w", err))
	}
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	err := result.ErrorOrNil()
	if err != nil {
		s.logger.Error(ctx, "reliability service stopped with errors", logger.Error(err))
		return err
	}
	s.logger.Info(ctx, "reliability service stopped")
	return nil
}

// Attach admits the client behind ch and starts measuring it. The session
// runs until it finalizes, terminates or the service stops; ch is closed
// when it ends.
func (s *Service) Attach(ctx context.Context, ch protocol.Channel) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.stopped:
		return "", ErrStopped
	case !s.started:
		return "", ErrNotStarted
	}
	if !s.limiter.AllowN(s.clock.Now(), 1) {
		metrics.SessionRejected("rate_limited")
		return "", ErrRateLimited
	}
	if !s.sem.TryAcquire(1) {
		metrics.SessionRejected("max_sessions")
		return "", ErrMaxSessions
	}

	now := s.clock.Now()
	id := uuid.NewString()
	info := model.SessionInfo{ClientID: id, State: model.StateIdle, CreatedAt: now, LastActivity: now}
	if err := s.registry.Register(ctx, info); err != nil {
		s.sem.Release(1)
		return "", fmt.Errorf("register session: %w", err)
	}

	sctx, cancel := context.WithCancelCause(s.root)
	t := &tracked{cancel: cancel, done: make(chan struct{})}
	s.track(id, t)

	s.wg.Add(1)
	metrics.SessionStarted()
	go s.supervise(sctx, id, ch, t)

	s.logger.Debug(ctx, "session attached", logger.ClientID(id))
	return id, nil
}

func (s *Service) supervise(ctx context.Context, id string, ch protocol.Channel, t *tracked) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer t.cancel(nil)

	info, err := s.scheduler.Run(ctx, id, ch)
	if !info.State.Terminal() {
		reason := scheduler.ReasonFor(err)
		_ = s.registry.End(context.WithoutCancel(ctx), id, reason)
		info, _ = s.registry.Get(context.WithoutCancel(ctx), id)
	}
	if cerr := ch.Close(); cerr != nil {
		s.logger.Debug(ctx, "channel close failed", logger.ClientID(id), logger.Error(cerr))
	}
	metrics.SessionEnded(string(info.State), string(info.EndReason))
	if err != nil && !errors.Is(err, scheduler.ErrShutdown) {
		metrics.RecordErrorByComponent("session", string(info.EndReason))
	}

	t.info = info
	s.untrack(id)
	close(t.done)
}

// Wait blocks until the session ends or ctx is done, returning its final
// projection.
func (s *Service) Wait(ctx context.Context, clientID string) (model.SessionInfo, error) {
	s.sessionsMu.Lock()
	t, ok := s.sessions[clientID]
	s.sessionsMu.Unlock()
	if !ok {
		return s.GetSessionState(ctx, clientID)
	}
	select {
	case <-t.done:
		return t.info, nil
	case <-ctx.Done():
		return model.SessionInfo{}, ctx.Err()
	}
}

// GetScore returns the latest published score for a client.
func (s *Service) GetScore(ctx context.Context, clientID string) (model.ScoreRecord, error) {
	reg, err := s.store()
	if err != nil {
		return model.ScoreRecord{}, err
	}
	return reg.Score(ctx, clientID)
}

// GetSessionState returns the current session projection for a client.
func (s *Service) GetSessionState(ctx context.Context, clientID string) (model.SessionInfo, error) {
	reg, err := s.store()
	if err != nil {
		return model.SessionInfo{}, err
	}
	return reg.Get(ctx, clientID)
}

// ListScores returns up to limit scores ordered by score.
func (s *Service) ListScores(ctx context.Context, limit int) ([]model.ScoreRecord, error) {
	reg, err := s.store()
	if err != nil {
		return nil, err
	}
	if limit > s.cfg.MaxListLimit {
		limit = s.cfg.MaxListLimit
	}
	return reg.List(ctx, limit)
}

// MaxListLimit returns the largest accepted list size.
func (s *Service) MaxListLimit() int {
	return s.cfg.MaxListLimit
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) types.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := types.Stats{
		Started:        s.started,
		ActiveSessions: len(s.snapshotSessions()),
		MaxSessions:    s.cfg.MaxSessions,
	}
	if s.registry == nil {
		return stats
	}
	stats.Registered = s.registry.Count(ctx)
	stats.ByState = s.registry.CountByState(ctx)
	stats.PendingPuzzles = s.engine.Pending()
	stats.PrimePool = s.pool.Len()
	stats.QueueLength = s.queue.Len(ctx)
	stats.Workers = s.workers.Size()

	metrics.UpdateQueueSize(stats.QueueLength)
	metrics.UpdatePrimePoolSize(stats.PrimePool)
	return stats
}

func (s *Service) store() (*repository.Registry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.registry == nil {
		return nil, ErrNotStarted
	}
	return s.registry, nil
}

func (s *Service) track(id string, t *tracked) {
	s.sessionsMu.Lock()
	s.sessions[id] = t
	s.sessionsMu.Unlock()
}

func (s *Service) untrack(id string) {
	s.sessionsMu.Lock()
	delete(s.sessions, id)
	s.sessionsMu.Unlock()
}

// reapIdle cancels sessions whose last client message is older than the
// idle timeout.
func (s *Service) reapIdle(ctx context.Context) {
	idle := s.cfg.IdleTimeout()
	ticker := s.clock.NewTicker(max(idle/4, minReapInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := s.clock.Now()
			for id, t := range s.snapshotSessions() {
				info, err := s.registry.Get(ctx, id)
				if err != nil || info.State.Terminal() {
					continue
				}
				if now.Sub(info.LastActivity) >= idle {
					s.logger.Info(ctx, "reaping idle session", logger.ClientID(id),
						logger.Duration("idle", now.Sub(info.LastActivity)))
					t.cancel(scheduler.ErrIdle)
				}
			}
		}
	}
}

func (s *Service) snapshotSessions() map[string]*tracked {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return maps.Clone(s.sessions)
}
