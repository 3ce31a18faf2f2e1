package scoring

// Option applies a configuration option to the Aggregator.
type Option func(*Aggregator)

// WithWeights sets the relative weight of the CPU and network sub-scores.
// Negative weights are ignored.
func WithWeights(cpu, network float64) Option {
	return func(a *Aggregator) {
		if cpu >= 0 && network >= 0 && cpu+network > 0 {
			a.cpuWeight = cpu
			a.networkWeight = network
		}
	}
}

// WithReferences sets the per-unit costs that map to a sub-score of 0.5.
func WithReferences(cpuNSPerSquaring, networkNSPerByte float64) Option {
	return func(a *Aggregator) {
		if cpuNSPerSquaring > 0 {
			a.cpuReference = cpuNSPerSquaring
		}
		if networkNSPerByte > 0 {
			a.networkReference = networkNSPerByte
		}
	}
}

// WithRange sets the published score range.
func WithRange(minScore, maxScore float64) Option {
	return func(a *Aggregator) {
		if minScore < maxScore {
			a.scoreMin = minScore
			a.scoreMax = maxScore
		}
	}
}

// WithMinRounds sets how many valid rounds per kind are needed to publish.
func WithMinRounds(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.minRounds = n
		}
	}
}

// WithConfidenceSamples sets the sample count at which coverage saturates.
func WithConfidenceSamples(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.confidenceSamples = n
		}
	}
}

// WithAllowPartial publishes a score when only one kind is measured.
func WithAllowPartial(allow bool) Option {
	return func(a *Aggregator) {
		a.allowPartial = allow
	}
}
