// Package dedupe tracks identifiers that may be used at most once.
package dedupe

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
)

const defaultMaxSize = 50_000

// Deduper records seen identifiers to enforce single use.
type Deduper interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// Returns true if id was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, id string) bool

	// Seen reports whether id is recorded without recording it.
	Seen(ctx context.Context, id string) bool

	// Unrecord removes an ID from the seen list, allowing it to be used again.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

// inMemoryDeduper keeps the most recent maxSize identifiers; the oldest
// entries are evicted first. Lookups do not refresh an entry's position.
type inMemoryDeduper struct {
	maxSize int
	seen    *lru.Cache
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxSize <= 0 {
		d.maxSize = defaultMaxSize
	}
	// lru.New only fails for non-positive sizes.
	d.seen, _ = lru.New(d.maxSize)
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) bool {
	ok, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return ok
}

func (d *inMemoryDeduper) Seen(_ context.Context, id string) bool {
	return d.seen.Contains(id)
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) {
	d.seen.Remove(id)
}

// Size returns the current number of entries in the deduper.
func (d *inMemoryDeduper) Size() int64 {
	return int64(d.seen.Len())
}
