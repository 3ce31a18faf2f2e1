// Package scoring turns a client's round history into a reliability score.
//
// Each kind is summarized by the median of its per-round cost (nanoseconds
// per squaring for CPU rounds, nanoseconds per byte for network rounds), so a
// few slow rounds caused by scheduling noise do not move the score.
package scoring

import (
	"math"
	"slices"
	"time"

	"github.com/okian/vouch/internal/domain/model"
)

// Default scoring configuration constants.
const (
	defaultWeight            = 0.5
	defaultCPUReferenceNS    = 10_000
	defaultNetworkReferenceN = 200
	defaultScoreMin          = 0
	defaultScoreMax          = 100
	defaultMinRounds         = 3
	defaultConfidenceSamples = 5
)

// Aggregator computes score records. It holds no state and is safe for
// concurrent use.
type Aggregator struct {
	cpuWeight         float64
	networkWeight     float64
	cpuReference      float64
	networkReference  float64
	scoreMin          float64
	scoreMax          float64
	minRounds         int
	confidenceSamples int
	allowPartial      bool
}

// NewAggregator creates an aggregator with configuration options.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		cpuWeight:         defaultWeight,
		networkWeight:     defaultWeight,
		cpuReference:      defaultCPUReferenceNS,
		networkReference:  defaultNetworkReferenceN,
		scoreMin:          defaultScoreMin,
		scoreMax:          defaultScoreMax,
		minRounds:         defaultMinRounds,
		confidenceSamples: defaultConfidenceSamples,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// kindStats summarizes one kind's rounds.
type kindStats struct {
	valid      int
	failed     int
	median     float64
	score      float64
	confidence float64
}

// Aggregate computes the score for history. ok is false while the history
// does not yet support publication.
func (a *Aggregator) Aggregate(clientID string, history []model.Round) (rec model.ScoreRecord, ok bool) {
	cpu := a.summarize(history, model.KindCPU, a.cpuReference)
	network := a.summarize(history, model.KindNetwork, a.networkReference)

	// A kind with zero weight is never required and never counted.
	cpuReady := a.cpuWeight > 0 && cpu.valid >= a.minRounds
	networkReady := a.networkWeight > 0 && network.valid >= a.minRounds
	missing := (a.cpuWeight > 0 && !cpuReady) || (a.networkWeight > 0 && !networkReady)

	if (!cpuReady && !networkReady) || (missing && !a.allowPartial) {
		return model.ScoreRecord{}, false
	}
	partial := missing

	var weight, combined, confidence float64
	if cpuReady {
		weight += a.cpuWeight
		combined += a.cpuWeight * cpu.score
		confidence += a.cpuWeight * cpu.confidence
	}
	if networkReady {
		weight += a.networkWeight
		combined += a.networkWeight * network.score
		confidence += a.networkWeight * network.confidence
	}
	combined /= weight
	confidence /= weight
	if partial {
		confidence *= weight / (a.cpuWeight + a.networkWeight)
	}

	rec = model.ScoreRecord{
		ClientID:       clientID,
		Score:          clamp(a.scoreMin+(a.scoreMax-a.scoreMin)*combined, a.scoreMin, a.scoreMax),
		Confidence:     clamp(confidence, 0, 1),
		CPUSamples:     cpu.valid,
		NetworkSamples: network.valid,
		Partial:        partial,
		UpdatedAt:      latest(history),
	}
	if cpu.valid >= a.minRounds {
		rec.CPUScore = cpu.score
	}
	if network.valid >= a.minRounds {
		rec.NetworkScore = network.score
	}
	return rec, true
}

func (a *Aggregator) summarize(history []model.Round, kind model.RoundKind, reference float64) kindStats {
	var st kindStats
	samples := make([]float64, 0, len(history))
	for _, r := range history {
		if r.Kind != kind {
			continue
		}
		if r.Failed() {
			st.failed++
			continue
		}
		if !r.Valid() {
			continue
		}
		if v, ok := cost(r); ok {
			samples = append(samples, v)
		}
	}
	st.valid = len(samples)
	if st.valid == 0 {
		return st
	}

	st.median = median(samples)
	st.score = subScore(reference, st.median)

	deviations := make([]float64, len(samples))
	for i, v := range samples {
		deviations[i] = math.Abs(v - st.median)
	}
	cv := 0.0
	if st.median > 0 {
		cv = median(deviations) / st.median
	}

	coverage := math.Min(1, float64(st.valid)/float64(a.confidenceSamples))
	reliability := float64(st.valid) / float64(st.valid+st.failed)
	st.confidence = coverage * reliability / (1 + cv*cv)
	return st
}

// cost returns a round's normalized cost in nanoseconds per unit of work.
func cost(r model.Round) (float64, bool) {
	switch {
	case r.Kind == model.KindCPU && r.Difficulty > 0:
		return float64(r.Elapsed.Nanoseconds()) / float64(r.Difficulty), true
	case r.Kind == model.KindNetwork && r.PayloadSize > 0:
		return float64(r.Elapsed.Nanoseconds()) / float64(r.PayloadSize), true
	}
	return 0, false
}

// subScore maps a cost to (0, 1]: the reference cost scores 0.5, cheaper
// rounds approach 1 and dearer rounds approach 0.
func subScore(reference, med float64) float64 {
	if med <= 0 {
		return 1
	}
	x := reference / med
	return x / (1 + x)
}

func median(values []float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func latest(history []model.Round) time.Time {
	var t time.Time
	for _, r := range history {
		if r.CompletedAt.After(t) {
			t = r.CompletedAt
		}
	}
	return t
}
