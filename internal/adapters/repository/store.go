// Package repository holds the client registry: the latest session projection
// and score of every measured client.
package repository

import (
	"context"

	"github.com/okian/vouch/internal/domain/model"
)

// Store provides read/write access to session projections.
//
// Writes for one client come from a single session goroutine; reads may
// come from anywhere and never block writers.
type Store interface {
	// Register adds a new session. Returns ErrExists if the id is taken.
	Register(ctx context.Context, info model.SessionInfo) error

	// Update replaces the projection of a registered session.
	// Returns ErrNotFound if the session is unknown.
	Update(ctx context.Context, info model.SessionInfo) error

	// End marks a session terminated unless it already reached a terminal state.
	End(ctx context.Context, clientID string, reason model.EndReason) error

	// Get returns the projection of a session.
	// Returns ErrNotFound if the session is unknown or was evicted.
	Get(ctx context.Context, clientID string) (model.SessionInfo, error)

	// Score returns the latest published score, falling back to the archive
	// for evicted sessions. Returns ErrNotFound when no score exists.
	Score(ctx context.Context, clientID string) (model.ScoreRecord, error)

	// List returns up to limit scores ordered by score desc, client id asc.
	List(ctx context.Context, limit int) ([]model.ScoreRecord, error)

	// Count returns the number of sessions held.
	Count(ctx context.Context) int
}

// Archive retains scores of evicted sessions.
type Archive interface {
	Put(ctx context.Context, rec model.ScoreRecord) error
	Get(ctx context.Context, clientID string) (model.ScoreRecord, error)
}
