// Package metrics provides Prometheus metrics for the vouch scoring service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager manages all Prometheus metrics for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	refreshInterval  time.Duration
	registry         prometheus.Registerer

	// Sessions
	sessionsActive   prometheus.Gauge
	sessionsStarted  prometheus.Counter
	sessionsRejected *prometheus.CounterVec
	sessionsEnded    *prometheus.CounterVec

	// Rounds
	rounds        *prometheus.CounterVec
	roundDuration *prometheus.HistogramVec
	difficulty    prometheus.Histogram

	// Puzzle engine
	puzzleGenerationLatency prometheus.Histogram
	puzzleGenerationErrors  prometheus.Counter
	primePoolSize           prometheus.Gauge
	primeGenerationLatency  prometheus.Histogram

	// Scores and registry
	scoresPublished   prometheus.Counter
	scoresWithdrawn   prometheus.Counter
	scoreValue        prometheus.Histogram
	scoreConfidence   prometheus.Histogram
	registryEntries   prometheus.Gauge
	registryEvictions prometheus.Counter
	archiveWrites     prometheus.Counter

	// Job queue
	queueSize      prometheus.Gauge
	queueCapacity  prometheus.Gauge
	queueEnqueued  prometheus.Counter
	queueRejected  *prometheus.CounterVec
	queueDequeued  prometheus.Counter
	workerCount    prometheus.Gauge
	workerJobs     prometheus.Counter
	workerErrors   prometheus.Counter
	workerLatency  prometheus.Histogram
	workerInFlight prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "vouch",
		subsystem:        "reliability",
		histogramBuckets: prometheus.DefBuckets,
		refreshInterval:  defaultRefreshInterval,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets,
	})
}

func (m *Manager) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every metric
	roundBuckets := []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

	m.sessionsActive = m.gauge("sessions_active", "Number of measurement sessions currently running")
	m.sessionsStarted = m.counter("sessions_started_total", "Total number of measurement sessions admitted")
	m.sessionsRejected = m.counterVec("sessions_rejected_total", "Sessions refused at admission", "reason")
	m.sessionsEnded = m.counterVec("sessions_ended_total", "Sessions that reached a terminal state", "state", "reason")

	m.rounds = m.counterVec("rounds_total", "Resolved measurement rounds by kind and outcome", "kind", "outcome")
	m.roundDuration = m.histogramVec("round_duration_milliseconds", "Measured round duration for successful rounds", roundBuckets, "kind")
	m.difficulty = m.histogram("puzzle_difficulty_squarings", "Difficulty of issued puzzles",
		prometheus.ExponentialBuckets(1_000, 4, 10))

	m.puzzleGenerationLatency = m.histogram("puzzle_generation_latency_milliseconds", "Time to issue a puzzle including prime pool wait", m.histogramBuckets)
	m.puzzleGenerationErrors = m.counter("puzzle_generation_errors_total", "Puzzle issuance failures")
	m.primePoolSize = m.gauge("prime_pool_size", "Prime pairs ready for issuance")
	m.primeGenerationLatency = m.histogram("prime_generation_latency_milliseconds", "Time to generate one prime pair",
		[]float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000})

	m.scoresPublished = m.counter("scores_published_total", "Score records published to the registry")
	m.scoresWithdrawn = m.counter("scores_withdrawn_total", "Published scores withdrawn after the round window stopped supporting them")
	m.scoreValue = m.histogram("score_value", "Published reliability scores", prometheus.LinearBuckets(0, 10, 11))
	m.scoreConfidence = m.histogram("score_confidence", "Confidence of published scores", prometheus.LinearBuckets(0, 0.1, 11))
	m.registryEntries = m.gauge("registry_entries", "Entries held by the client registry")
	m.registryEvictions = m.counter("registry_evictions_total", "Registry entries evicted after their grace period")
	m.archiveWrites = m.counter("archive_writes_total", "Score records written to the archive")

	m.queueSize = m.gauge("job_queue_size", "Jobs waiting in the generation queue")
	m.queueCapacity = m.gauge("job_queue_capacity", "Capacity of the generation queue")
	m.queueEnqueued = m.counter("job_queue_enqueued_total", "Jobs accepted by the generation queue")
	m.queueRejected = m.counterVec("job_queue_rejected_total", "Jobs refused by the generation queue", "reason")
	m.queueDequeued = m.counter("job_queue_dequeued_total", "Jobs handed to workers")
	m.workerCount = m.gauge("worker_count", "Generation workers in the pool")
	m.workerJobs = m.counter("worker_jobs_total", "Jobs executed by workers")
	m.workerErrors = m.counter("worker_job_errors_total", "Jobs that returned an error")
	m.workerLatency = m.histogram("worker_job_latency_milliseconds", "Job execution latency", m.histogramBuckets)
	m.workerInFlight = m.gauge("worker_jobs_in_flight", "Jobs currently executing")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration", m.histogramBuckets, "endpoint", "method", "status_code")

	m.errorsByComponent = m.counterVec("errors_by_component_total", "Errors by component and type", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Current memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Current number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "Average garbage collection pause",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100})
}

// Session metrics.

// SessionStarted records an admitted session.
func SessionStarted() {
	globalManager.sessionsStarted.Inc()
	globalManager.sessionsActive.Inc()
}

// SessionEnded records a session reaching a terminal state.
func SessionEnded(state, reason string) {
	globalManager.sessionsActive.Dec()
	globalManager.sessionsEnded.WithLabelValues(state, reason).Inc()
}

// SessionRejected records a refused admission.
func SessionRejected(reason string) {
	globalManager.sessionsRejected.WithLabelValues(reason).Inc()
}

// Round metrics.

// RecordRound records a resolved round.
func RecordRound(kind, outcome string, elapsed time.Duration) {
	globalManager.rounds.WithLabelValues(kind, outcome).Inc()
	if outcome == "success" {
		globalManager.roundDuration.WithLabelValues(kind).Observe(float64(elapsed.Milliseconds()))
	}
}

// RecordDifficulty records the difficulty of an issued puzzle.
func RecordDifficulty(t uint64) {
	globalManager.difficulty.Observe(float64(t))
}

// Puzzle engine metrics.

// RecordPuzzleGeneration records the latency of one puzzle issuance.
func RecordPuzzleGeneration(latency time.Duration) {
	globalManager.puzzleGenerationLatency.Observe(float64(latency.Milliseconds()))
}

// RecordPuzzleGenerationError increments the issuance failure counter.
func RecordPuzzleGenerationError() {
	globalManager.puzzleGenerationErrors.Inc()
}

// UpdatePrimePoolSize sets the number of ready prime pairs.
func UpdatePrimePoolSize(n int) {
	globalManager.primePoolSize.Set(float64(n))
}

// RecordPrimeGeneration records the latency of one prime pair.
func RecordPrimeGeneration(latency time.Duration) {
	globalManager.primeGenerationLatency.Observe(float64(latency.Milliseconds()))
}

// Score and registry metrics.

// RecordScorePublished records a published score.
func RecordScorePublished(score, confidence float64) {
	globalManager.scoresPublished.Inc()
	globalManager.scoreValue.Observe(score)
	globalManager.scoreConfidence.Observe(confidence)
}

// RecordScoreWithdrawn records a published score being withdrawn.
func RecordScoreWithdrawn() {
	globalManager.scoresWithdrawn.Inc()
}

// UpdateRegistryEntries sets the registry size.
func UpdateRegistryEntries(n int) {
	globalManager.registryEntries.Set(float64(n))
}

// RecordRegistryEviction increments the eviction counter.
func RecordRegistryEviction() {
	globalManager.registryEvictions.Inc()
}

// RecordArchiveWrite increments the archive write counter.
func RecordArchiveWrite() {
	globalManager.archiveWrites.Inc()
}

// Queue and worker metrics.

// UpdateQueueSize sets the current queue length.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueRejected records a refused enqueue.
func RecordQueueRejected(reason string) {
	globalManager.queueRejected.WithLabelValues(reason).Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeued.Inc()
}

// UpdateWorkerCount sets the worker pool size.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerJob records one executed job.
func RecordWorkerJob(latency time.Duration, err error) {
	globalManager.workerJobs.Inc()
	globalManager.workerLatency.Observe(float64(latency.Milliseconds()))
	if err != nil {
		globalManager.workerErrors.Inc()
	}
}

// WorkerJobStarted marks a job as in flight; the returned func marks it done.
func WorkerJobStarted() func() {
	globalManager.workerInFlight.Inc()
	return globalManager.workerInFlight.Dec
}

// HTTP metrics.

// RecordHTTPRequest records an HTTP request and its duration.
func RecordHTTPRequest(endpoint, method, statusCode string, durationMs float64) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// System metrics.

// UpdateSystemMemoryUsage sets the memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
