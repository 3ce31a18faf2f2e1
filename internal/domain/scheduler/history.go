package scheduler

import "github.com/okian/vouch/internal/domain/model"

// History keeps the most recent rounds of a session, trimming the oldest.
type History struct {
	limit  int
	rounds []model.Round
}

// NewHistory creates a history holding at most limit rounds.
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{limit: limit, rounds: make([]model.Round, 0, limit)}
}

// Append adds rounds, trimming the oldest past the limit.
func (h *History) Append(rounds ...model.Round) {
	h.rounds = append(h.rounds, rounds...)
	if over := len(h.rounds) - h.limit; over > 0 {
		h.rounds = append(h.rounds[:0], h.rounds[over:]...)
	}
}

// Rounds returns a copy of the retained rounds, oldest first.
func (h *History) Rounds() []model.Round {
	out := make([]model.Round, len(h.rounds))
	copy(out, h.rounds)
	return out
}

// Len returns the number of retained rounds.
func (h *History) Len() int {
	return len(h.rounds)
}
