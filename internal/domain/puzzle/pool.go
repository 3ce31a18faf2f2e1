package puzzle

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/okian/vouch/internal/adapters/mq/queue"
	"github.com/okian/vouch/pkg/logger"
	"github.com/okian/vouch/pkg/metrics"
)

const (
	defaultModulusBits  = 1024
	defaultPoolSize     = 16
	breakerFailures     = 5
	breakerOpenDuration = 30 * time.Second
)

// Submitter runs jobs in the background.
type Submitter interface {
	Submit(ctx context.Context, job queue.Job) error
}

// GeneratorFunc returns two distinct primes whose product has about bits bits.
type GeneratorFunc func(bits int) (p, q *big.Int, err error)

type primePair struct {
	p, q *big.Int
}

// Pool keeps prime pairs ready so issuance does not pay for prime search.
type Pool struct {
	bits      int
	size      int
	pairs     chan primePair
	pending   atomic.Int32
	submitter Submitter
	generate  GeneratorFunc
	breaker   *gobreaker.CircuitBreaker
	logger    logger.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithModulusBits sets the size of generated moduli.
func WithModulusBits(bits int) PoolOption {
	return func(p *Pool) {
		if bits > 0 {
			p.bits = bits
		}
	}
}

// WithPoolSize sets how many pairs are kept ready.
func WithPoolSize(size int) PoolOption {
	return func(p *Pool) {
		if size > 0 {
			p.size = size
		}
	}
}

// WithGenerator replaces the prime source.
func WithGenerator(fn GeneratorFunc) PoolOption {
	return func(p *Pool) {
		if fn != nil {
			p.generate = fn
		}
	}
}

// NewPool creates a pool that refills itself through s.
func NewPool(s Submitter, opts ...PoolOption) *Pool {
	p := &Pool{
		bits:      defaultModulusBits,
		size:      defaultPoolSize,
		submitter: s,
		generate:  GeneratePrimes,
		logger:    logger.Get().Named("prime-pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.pairs = make(chan primePair, p.size)
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "prime-generator",
		Timeout: breakerOpenDuration,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn(context.Background(), "breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})
	return p
}

// GeneratePrimes draws two distinct random primes of bits/2 bits each.
func GeneratePrimes(bits int) (*big.Int, *big.Int, error) {
	p, err := rand.Prime(rand.Reader, bits/2)
	if err != nil {
		return nil, nil, err
	}
	for {
		q, err := rand.Prime(rand.Reader, bits-bits/2)
		if err != nil {
			return nil, nil, err
		}
		if p.Cmp(q) != 0 {
			return p, q, nil
		}
	}
}

// Len returns the number of ready pairs.
func (p *Pool) Len() int {
	return len(p.pairs)
}

// Fill submits generation jobs until ready plus in-flight pairs reach the
// pool size.
func (p *Pool) Fill(ctx context.Context) {
	for {
		inflight := p.pending.Load()
		if len(p.pairs)+int(inflight) >= p.size {
			return
		}
		if !p.pending.CompareAndSwap(inflight, inflight+1) {
			continue
		}
		job := queue.Job{ID: uuid.NewString(), Kind: "prime_pair", Run: p.runJob}
		if err := p.submitter.Submit(ctx, job); err != nil {
			p.pending.Add(-1)
			p.logger.Debug(ctx, "prime job not submitted", logger.Error(err))
			return
		}
	}
}

// Take returns a ready pair, waiting until ctx is done.
func (p *Pool) Take(ctx context.Context) (primePair, error) {
	p.Fill(ctx)
	select {
	case pair := <-p.pairs:
		metrics.UpdatePrimePoolSize(len(p.pairs))
		p.Fill(ctx)
		return pair, nil
	case <-ctx.Done():
		return primePair{}, ctx.Err()
	}
}

func (p *Pool) runJob(ctx context.Context) error {
	defer p.pending.Add(-1)
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	out, err := p.breaker.Execute(func() (interface{}, error) {
		a, b, err := p.generate(p.bits)
		if err != nil {
			return nil, err
		}
		return primePair{p: a, q: b}, nil
	})
	if err != nil {
		metrics.RecordErrorByComponent("prime_pool", "generation")
		return fmt.Errorf("generate prime pair: %w", err)
	}
	metrics.RecordPrimeGeneration(time.Since(start))

	select {
	case p.pairs <- out.(primePair):
		metrics.UpdatePrimePoolSize(len(p.pairs))
	default:
	}
	return nil
}
