// Package puzzle issues and verifies RSA time-lock puzzles.
//
// A puzzle asks for a^(2^t) mod N. The engine knows the factors of N and
// computes the answer through φ(N) with two modular exponentiations; a client
// without the factors must perform t sequential squarings.
package puzzle

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/blake2b"

	"github.com/okian/vouch/internal/domain/dedupe"
	"github.com/okian/vouch/pkg/logger"
	"github.com/okian/vouch/pkg/metrics"
)

const (
	defaultLedgerSize     = 100_000
	defaultConsumedSize   = 200_000
	defaultValidity       = 10 * time.Minute
	defaultMaxUses        = 8
	defaultPrimeWait      = 5 * time.Second
	defaultRetries        = 3
	defaultIssuedCapacity = 1 << 20
	issuedFalsePositive   = 1e-9
	maxBaseDraws          = 16
)

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// Challenge is the public part of a puzzle.
type Challenge struct {
	ID       string
	ClientID string
	Round    int
	N        *big.Int
	A        *big.Int
	T        uint64
	IssuedAt time.Time
}

// modulus is a prime pair in use. uses is guarded by Engine.mu.
type modulus struct {
	n    *big.Int
	phi  *big.Int
	uses int
}

// entry is the private ledger record of an issued puzzle.
type entry struct {
	clientID  string
	round     int
	expected  *big.Int
	expiresAt time.Time
}

// Engine issues puzzles and verifies solutions. It is safe for concurrent use.
type Engine struct {
	pool  *Pool
	clock clockwork.Clock

	ledgerSize     int
	consumedSize   int
	validity       time.Duration
	maxUses        int
	primeWait      time.Duration
	retries        int
	issuedCapacity uint

	ledger   *lru.Cache
	consumed dedupe.Deduper
	expired  dedupe.Deduper

	mu      sync.Mutex
	current *modulus
	issued  *bloom.BloomFilter
	prior   *bloom.BloomFilter
	added   uint

	logger logger.Logger
}

// NewEngine creates an engine drawing moduli from pool.
func NewEngine(pool *Pool, opts ...Option) (*Engine, error) {
	e := &Engine{
		pool:           pool,
		clock:          clockwork.NewRealClock(),
		ledgerSize:     defaultLedgerSize,
		consumedSize:   defaultConsumedSize,
		validity:       defaultValidity,
		maxUses:        defaultMaxUses,
		primeWait:      defaultPrimeWait,
		retries:        defaultRetries,
		issuedCapacity: defaultIssuedCapacity,
		logger:         logger.Get().Named("puzzle"),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.consumed = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(e.consumedSize))
	e.expired = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(e.consumedSize))
	ledger, err := lru.NewWithEvict(e.ledgerSize, e.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}
	e.ledger = ledger
	e.issued = bloom.NewWithEstimates(e.issuedCapacity, issuedFalsePositive)
	return e, nil
}

// Warm starts filling the prime pool.
func (e *Engine) Warm(ctx context.Context) {
	e.pool.Fill(ctx)
}

// Pending returns the number of puzzles awaiting an answer.
func (e *Engine) Pending() int {
	return e.ledger.Len()
}

// Generate issues a fresh puzzle of difficulty t bound to (clientID, round).
func (e *Engine) Generate(ctx context.Context, clientID string, round int, t uint64) (Challenge, error) {
	if t == 0 {
		return Challenge{}, ErrInvalidDifficulty
	}
	start := time.Now()

	m, err := e.acquireModulus(ctx)
	if err != nil {
		metrics.RecordPuzzleGenerationError()
		return Challenge{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	a, err := e.drawBase(m.n, t)
	if err != nil {
		metrics.RecordPuzzleGenerationError()
		return Challenge{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	exp := new(big.Int).Exp(two, new(big.Int).SetUint64(t), m.phi)
	expected := new(big.Int).Exp(a, exp, m.n)

	now := e.clock.Now()
	ch := Challenge{
		ID:       uuid.NewString(),
		ClientID: clientID,
		Round:    round,
		N:        new(big.Int).Set(m.n),
		A:        a,
		T:        t,
		IssuedAt: now,
	}
	e.ledger.Add(ch.ID, &entry{
		clientID:  clientID,
		round:     round,
		expected:  expected,
		expiresAt: now.Add(e.validity),
	})

	metrics.RecordPuzzleGeneration(time.Since(start))
	metrics.RecordDifficulty(t)
	e.logger.Debug(ctx, "puzzle issued",
		logger.ClientID(clientID),
		logger.String("puzzle_id", ch.ID),
		logger.Uint64("difficulty", t),
	)
	return ch, nil
}

// Verify checks a submitted solution. The puzzle is consumed by the first
// call whatever the outcome.
func (e *Engine) Verify(ctx context.Context, id, clientID string, submitted *big.Int) error {
	if e.consumed.Seen(ctx, id) {
		return ErrPuzzleConsumed
	}
	v, ok := e.ledger.Peek(id)
	if !ok {
		if e.expired.Seen(ctx, id) {
			return ErrPuzzleExpired
		}
		return ErrUnknownPuzzle
	}
	if e.consumed.SeenAndRecord(ctx, id) {
		return ErrPuzzleConsumed
	}
	e.ledger.Remove(id)

	ent := v.(*entry)
	switch {
	case ent.clientID != clientID:
		return ErrWrongOwner
	case e.clock.Now().After(ent.expiresAt):
		return ErrPuzzleExpired
	case submitted == nil || ent.expected.Cmp(submitted) != 0:
		return ErrVerification
	}
	return nil
}

// Release consumes a puzzle that will not be answered.
func (e *Engine) Release(id string) {
	if e.consumed.SeenAndRecord(context.Background(), id) {
		return
	}
	e.ledger.Remove(id)
}

// onEvict remembers pending puzzles pushed out of a full ledger as expired.
func (e *Engine) onEvict(key, _ interface{}) {
	id, _ := key.(string)
	ctx := context.Background()
	if !e.consumed.Seen(ctx, id) {
		e.expired.SeenAndRecord(ctx, id)
	}
}

func (e *Engine) acquireModulus(ctx context.Context) (*modulus, error) {
	e.mu.Lock()
	if m := e.current; m != nil && m.uses < e.maxUses {
		m.uses++
		e.mu.Unlock()
		return m, nil
	}
	e.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < e.retries; attempt++ {
		waitCtx, cancel := context.WithTimeout(ctx, e.primeWait)
		pair, err := e.pool.Take(waitCtx)
		cancel()
		if err == nil {
			m := newModulus(pair)
			m.uses = 1
			e.mu.Lock()
			e.current = m
			e.mu.Unlock()
			return m, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		e.logger.Warn(ctx, "waiting for prime pair", logger.Int("attempt", attempt+1), logger.Error(err))
	}
	return nil, fmt.Errorf("no prime pair after %d attempts: %w", e.retries, lastErr)
}

func newModulus(pair primePair) *modulus {
	n := new(big.Int).Mul(pair.p, pair.q)
	pm1 := new(big.Int).Sub(pair.p, one)
	qm1 := new(big.Int).Sub(pair.q, one)
	return &modulus{n: n, phi: pm1.Mul(pm1, qm1)}
}

// drawBase picks a in [2, n-2] coprime to n whose (n, a, t) triple has not
// been issued recently.
func (e *Engine) drawBase(n *big.Int, t uint64) (*big.Int, error) {
	span := new(big.Int).Sub(n, big.NewInt(3))
	gcd := new(big.Int)
	for i := 0; i < maxBaseDraws; i++ {
		a, err := rand.Int(rand.Reader, span)
		if err != nil {
			return nil, err
		}
		a.Add(a, two)
		if gcd.GCD(nil, nil, a, n).Cmp(one) != 0 {
			continue
		}
		if e.markIssued(fingerprint(n, a, t)) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("no fresh base after %d draws", maxBaseDraws)
}

// markIssued records fp and reports whether it was new. The filter keeps two
// generations so the window slides instead of resetting.
func (e *Engine) markIssued(fp []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.prior != nil && e.prior.Test(fp) {
		return false
	}
	if e.issued.TestAndAdd(fp) {
		return false
	}
	e.added++
	if e.added >= e.issuedCapacity {
		e.prior = e.issued
		e.issued = bloom.NewWithEstimates(e.issuedCapacity, issuedFalsePositive)
		e.added = 0
	}
	return true
}

func fingerprint(n, a *big.Int, t uint64) []byte {
	h, _ := blake2b.New256(nil)
	nb, ab := n.Bytes(), a.Bytes()
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(nb)))
	h.Write(hdr[:])
	h.Write(nb)
	binary.BigEndian.PutUint64(hdr[:], uint64(len(ab)))
	h.Write(hdr[:])
	h.Write(ab)
	binary.BigEndian.PutUint64(hdr[:], t)
	h.Write(hdr[:])
	return h.Sum(nil)
}
