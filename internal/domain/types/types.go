// Package types contains common types used across the application
package types

import "github.com/okian/vouch/internal/domain/model"

// Entry represents one row of the score listing
type Entry struct {
	Rank       int     `json:"rank"`
	ClientID   string  `json:"client_id"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Partial    bool    `json:"partial"`
}

// Entries ranks records in the given order starting at 1
func Entries(records []model.ScoreRecord) []Entry {
	out := make([]Entry, len(records))
	for i, r := range records {
		out[i] = Entry{
			Rank:       i + 1,
			ClientID:   r.ClientID,
			Score:      r.Score,
			Confidence: r.Confidence,
			Partial:    r.Partial,
		}
	}
	return out
}

// Stats is a point-in-time view of the service for monitoring
type Stats struct {
	Started        bool                       `json:"started"`
	ActiveSessions int                        `json:"active_sessions"`
	MaxSessions    int                        `json:"max_sessions"`
	Registered     int                        `json:"registered"`
	ByState        map[model.SessionState]int `json:"by_state"`
	PendingPuzzles int                        `json:"pending_puzzles"`
	PrimePool      int                        `json:"prime_pool"`
	QueueLength    int                        `json:"queue_length"`
	Workers        int                        `json:"workers"`
}
