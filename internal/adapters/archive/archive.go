// Package archive keeps the scores of sessions evicted from the registry in
// a bbolt file. Records are JSON encoded and keyed by client id.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/okian/vouch/internal/domain/model"
	"github.com/okian/vouch/pkg/logger"
	"github.com/okian/vouch/pkg/metrics"
)

// FilePerm is the permission used when creating the archive file.
const FilePerm = 0o600

const openTimeout = time.Second

var scoreBucket = []byte("scores")

// BoltArchive is a repository.Archive backed by bbolt.
type BoltArchive struct {
	db     *bolt.DB
	closed atomic.Bool
	logger logger.Logger
}

// Open opens or creates the archive file at path.
func Open(ctx context.Context, path string) (*BoltArchive, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("archive: create dir: %w", err)
		}
	}
	db, err := bolt.Open(path, FilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(scoreBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: create bucket: %w", err)
	}
	return &BoltArchive{db: db, logger: logger.Get().Named("archive")}, nil
}

// Put stores rec, replacing any earlier record for the same client.
func (a *BoltArchive) Put(ctx context.Context, rec model.ScoreRecord) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.Stale = false
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", rec.ClientID, err)
	}
	err = a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(scoreBucket).Put([]byte(rec.ClientID), buf)
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", rec.ClientID, err)
	}
	metrics.RecordArchiveWrite()
	return nil
}

// Get returns the archived record for clientID.
func (a *BoltArchive) Get(ctx context.Context, clientID string) (model.ScoreRecord, error) {
	var rec model.ScoreRecord
	if a.closed.Load() {
		return rec, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	err := a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(scoreBucket).Get([]byte(clientID))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction; Unmarshal copies.
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return model.ScoreRecord{}, err
	}
	return rec, nil
}

// Len returns the number of archived records.
func (a *BoltArchive) Len(_ context.Context) (int, error) {
	if a.closed.Load() {
		return 0, ErrClosed
	}
	n := 0
	err := a.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(scoreBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying file. Calling Close twice is a no-op.
func (a *BoltArchive) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error(context.Background(), "close failed", logger.Error(err))
		return fmt.Errorf("archive: close: %w", err)
	}
	return nil
}
