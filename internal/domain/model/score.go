package model

import "time"

// ScoreRecord is the published reliability score of a client.
type ScoreRecord struct {
	ClientID   string  `json:"client_id"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	// Sub-scores in [0, 1]; zero when the kind was not measured.
	CPUScore     float64 `json:"cpu_score"`
	NetworkScore float64 `json:"network_score"`
	// Samples are the valid rounds the score was computed from.
	CPUSamples     int  `json:"cpu_samples"`
	NetworkSamples int  `json:"network_samples"`
	Partial        bool `json:"partial"`
	// UpdatedAt is the completion time of the newest round considered.
	UpdatedAt time.Time `json:"updated_at"`
	// Stale marks a record served from the archive after its session was evicted.
	Stale bool `json:"stale"`
}
