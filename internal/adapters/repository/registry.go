package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/vouch/internal/domain/model"
	"github.com/okian/vouch/pkg/logger"
	"github.com/okian/vouch/pkg/metrics"
)

// Default registry configuration constants.
const (
	defaultGracePeriod   = 10 * time.Minute
	defaultSweepInterval = 30 * time.Second
	defaultCloseTimeout  = time.Second
)

// slot holds the current immutable projection of one session.
type slot struct {
	info atomic.Pointer[model.SessionInfo]
}

// Registry is an in-memory Store. Reads load an atomic pointer and never
// take a lock.
type Registry struct {
	entries sync.Map // client id -> *slot
	count   atomic.Int64

	clock         clockwork.Clock
	grace         time.Duration
	sweepInterval time.Duration
	closeTimeout  time.Duration
	archive       Archive

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	logger logger.Logger
}

var _ Store = (*Registry)(nil)

// NewRegistry creates a registry with configuration options.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:         clockwork.NewRealClock(),
		grace:         defaultGracePeriod,
		sweepInterval: defaultSweepInterval,
		closeTimeout:  defaultCloseTimeout,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		logger:        logger.Get().Named("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the eviction loop until ctx is done or Close is called.
func (r *Registry) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.done)
		ticker := r.clock.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.Chan():
				r.Sweep(ctx)
			}
		}
	}()
}

// Close stops the eviction loop started by Start.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	if !r.started.Load() {
		return nil
	}
	select {
	case <-r.done:
	case <-r.clock.After(r.closeTimeout):
		return fmt.Errorf("%w after %s", ErrCloseTimeout, r.closeTimeout)
	}
	return nil
}

// Register implements Store.Register.
func (r *Registry) Register(_ context.Context, info model.SessionInfo) error {
	if info.ClientID == "" {
		return ErrEmptyID
	}
	s := &slot{}
	s.info.Store(&info)
	if _, loaded := r.entries.LoadOrStore(info.ClientID, s); loaded {
		return ErrExists
	}
	metrics.UpdateRegistryEntries(int(r.count.Add(1)))
	return nil
}

// Update implements Store.Update.
func (r *Registry) Update(_ context.Context, info model.SessionInfo) error {
	s, ok := r.slot(info.ClientID)
	if !ok {
		return ErrNotFound
	}
	s.info.Store(&info)
	return nil
}

// End implements Store.End.
func (r *Registry) End(_ context.Context, clientID string, reason model.EndReason) error {
	s, ok := r.slot(clientID)
	if !ok {
		return ErrNotFound
	}
	cur := s.info.Load()
	if cur.State.Terminal() {
		return nil
	}
	next := *cur
	next.State = model.StateTerminated
	next.EndReason = reason
	next.EndedAt = r.clock.Now()
	s.info.Store(&next)
	return nil
}

// Get implements Store.Get.
func (r *Registry) Get(_ context.Context, clientID string) (model.SessionInfo, error) {
	s, ok := r.slot(clientID)
	if !ok {
		return model.SessionInfo{}, ErrNotFound
	}
	return *s.info.Load(), nil
}

// Score implements Store.Score.
func (r *Registry) Score(ctx context.Context, clientID string) (model.ScoreRecord, error) {
	if s, ok := r.slot(clientID); ok {
		if info := s.info.Load(); info.Score != nil {
			return *info.Score, nil
		}
		return model.ScoreRecord{}, ErrNotFound
	}
	if r.archive == nil {
		return model.ScoreRecord{}, ErrNotFound
	}
	rec, err := r.archive.Get(ctx, clientID)
	if err != nil {
		return model.ScoreRecord{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	rec.Stale = true
	return rec, nil
}

// List implements Store.List.
func (r *Registry) List(_ context.Context, limit int) ([]model.ScoreRecord, error) {
	if limit <= 0 {
		metrics.RecordErrorByComponent("registry", "invalid_limit")
		return nil, ErrInvalidLimit
	}
	var out []model.ScoreRecord
	r.entries.Range(func(_, v any) bool {
		if info := v.(*slot).info.Load(); info.Score != nil {
			out = append(out, *info.Score)
		}
		return true
	})
	slices.SortFunc(out, func(a, b model.ScoreRecord) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ClientID, b.ClientID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count implements Store.Count.
func (r *Registry) Count(_ context.Context) int {
	return int(r.count.Load())
}

// CountByState returns the number of sessions in each state.
func (r *Registry) CountByState(_ context.Context) map[model.SessionState]int {
	out := make(map[model.SessionState]int)
	r.entries.Range(func(_, v any) bool {
		out[v.(*slot).info.Load().State]++
		return true
	})
	return out
}

// Sweep evicts ended sessions whose grace period has passed, archiving
// their scores.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.clock.Now()
	evicted := 0
	r.entries.Range(func(k, v any) bool {
		info := v.(*slot).info.Load()
		if !info.State.Terminal() || now.Sub(info.EndedAt) < r.grace {
			return true
		}
		if info.Score != nil && r.archive != nil {
			if err := r.archive.Put(ctx, *info.Score); err != nil {
				r.logger.Error(ctx, "archive write failed", logger.ClientID(info.ClientID), logger.Error(err))
				metrics.RecordErrorByComponent("registry", "archive")
				return true
			}
		}
		if r.entries.CompareAndDelete(k, v) {
			evicted++
			r.count.Add(-1)
			metrics.RecordRegistryEviction()
		}
		return true
	})
	if evicted > 0 {
		metrics.UpdateRegistryEntries(r.Count(ctx))
		r.logger.Debug(ctx, "sessions evicted", logger.Int("count", evicted))
	}
	return evicted
}

func (r *Registry) slot(clientID string) (*slot, bool) {
	v, ok := r.entries.Load(clientID)
	if !ok {
		return nil, false
	}
	return v.(*slot), true
}
