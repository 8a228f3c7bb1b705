package nvmeemu

import (
	"sync/atomic"
	"time"

	"github.com/qdepth/nvme-emu/internal/nvme"
)

// LatencyBuckets defines the drain-loop latency histogram buckets in
// nanoseconds. Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a controller
// engine: how many ticks ran, what commands were dispatched, and how
// long a tick's drain loop took.
type Metrics struct {
	// Tick counters
	Ticks        atomic.Uint64 // check_for_changes invocations
	TicksNoop    atomic.Uint64 // ticks with no doorbell change at all
	ResetCount   atomic.Uint64 // controller resets observed

	// Command outcome counters
	IdentifyOps      atomic.Uint64
	KeepAliveOps     atomic.Uint64
	CreateQueueOps   atomic.Uint64 // Create-IO-SQ and Create-IO-CQ combined
	DeleteQueueOps   atomic.Uint64 // Delete-IO-SQ and Delete-IO-CQ combined
	InvalidOpcodeOps atomic.Uint64
	CIDConflictOps   atomic.Uint64
	InvalidFieldOps  atomic.Uint64

	// Completion counters
	CompletionsPosted atomic.Uint64
	PhaseFlips         atomic.Uint64

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // cumulative materialized-queue-count samples
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Drain-loop latency tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Engine lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTick records one check_for_changes invocation and its wall-clock
// duration.
func (m *Metrics) RecordTick(latencyNs uint64, noop bool) {
	m.Ticks.Add(1)
	if noop {
		m.TicksNoop.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordCommand records the dispatch outcome for one consumed command.
func (m *Metrics) RecordCommand(outcome CommandOutcome) {
	switch outcome {
	case nvme.OutcomeIdentify:
		m.IdentifyOps.Add(1)
	case nvme.OutcomeKeepAlive:
		m.KeepAliveOps.Add(1)
	case nvme.OutcomeCreateIOSubmissionQueue, nvme.OutcomeCreateIOCompletionQueue:
		m.CreateQueueOps.Add(1)
	case nvme.OutcomeDeleteIOSubmissionQueue, nvme.OutcomeDeleteIOCompletionQueue:
		m.DeleteQueueOps.Add(1)
	case nvme.OutcomeInvalidOpcode:
		m.InvalidOpcodeOps.Add(1)
	case nvme.OutcomeCIDConflict:
		m.CIDConflictOps.Add(1)
	case nvme.OutcomeInvalidField:
		m.InvalidFieldOps.Add(1)
	}
}

// RecordCompletion records one posted completion, and whether it wrapped
// the completion queue's phase tag.
func (m *Metrics) RecordCompletion(phaseFlipped bool) {
	m.CompletionsPosted.Add(1)
	if phaseFlipped {
		m.PhaseFlips.Add(1)
	}
}

// RecordReset records one controller reset.
func (m *Metrics) RecordReset() {
	m.ResetCount.Add(1)
}

// RecordQueueDepth records one sample of the number of materialized
// submission and completion queues. The engine reports a sample each
// time an I/O queue is created.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the engine as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics with derived
// rates and percentiles.
type MetricsSnapshot struct {
	Ticks      uint64
	TicksNoop  uint64
	ResetCount uint64

	IdentifyOps      uint64
	KeepAliveOps     uint64
	CreateQueueOps   uint64
	DeleteQueueOps   uint64
	InvalidOpcodeOps uint64
	CIDConflictOps   uint64
	InvalidFieldOps  uint64

	CompletionsPosted uint64
	PhaseFlips        uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TicksPerSecond float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Ticks:            m.Ticks.Load(),
		TicksNoop:        m.TicksNoop.Load(),
		ResetCount:       m.ResetCount.Load(),
		IdentifyOps:      m.IdentifyOps.Load(),
		KeepAliveOps:     m.KeepAliveOps.Load(),
		CreateQueueOps:   m.CreateQueueOps.Load(),
		DeleteQueueOps:   m.DeleteQueueOps.Load(),
		InvalidOpcodeOps: m.InvalidOpcodeOps.Load(),
		CIDConflictOps:   m.CIDConflictOps.Load(),
		InvalidFieldOps:  m.InvalidFieldOps.Load(),
		CompletionsPosted: m.CompletionsPosted.Load(),
		PhaseFlips:        m.PhaseFlips.Load(),
		MaxQueueDepth:     m.MaxQueueDepth.Load(),
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.TicksPerSecond = float64(snap.Ticks) / uptimeSeconds
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.Ticks.Store(0)
	m.TicksNoop.Store(0)
	m.ResetCount.Store(0)
	m.IdentifyOps.Store(0)
	m.KeepAliveOps.Store(0)
	m.CreateQueueOps.Store(0)
	m.DeleteQueueOps.Store(0)
	m.InvalidOpcodeOps.Store(0)
	m.CIDConflictOps.Store(0)
	m.InvalidFieldOps.Store(0)
	m.CompletionsPosted.Store(0)
	m.PhaseFlips.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// CommandOutcome classifies how a drained command was dispatched, for
// metrics purposes only; it is not part of the wire protocol. This is
// an alias for the engine's own outcome type so a Metrics consumer
// never needs to convert between two parallel enums.
type CommandOutcome = nvme.CommandOutcome

const (
	OutcomeIdentify      = nvme.OutcomeIdentify
	OutcomeKeepAlive     = nvme.OutcomeKeepAlive
	OutcomeInvalidOpcode = nvme.OutcomeInvalidOpcode
	OutcomeCIDConflict   = nvme.OutcomeCIDConflict
	OutcomeInvalidField  = nvme.OutcomeInvalidField
)

// Observer allows pluggable collection of engine-tick metrics. It is
// an alias for the engine's own Observer contract (internal/nvme) so
// that *MetricsObserver can be passed directly to nvme.NewEngine.
type Observer = nvme.Observer

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver = nvme.NoOpObserver

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTick(latencyNs int64, noop bool) {
	o.metrics.RecordTick(uint64(latencyNs), noop)
}

func (o *MetricsObserver) ObserveCommand(outcome CommandOutcome) {
	o.metrics.RecordCommand(outcome)
}

func (o *MetricsObserver) ObserveCompletion(phaseFlipped bool) {
	o.metrics.RecordCompletion(phaseFlipped)
}

func (o *MetricsObserver) ObserveReset() {
	o.metrics.RecordReset()
}

func (o *MetricsObserver) ObserveQueueDepth(depth int) {
	o.metrics.RecordQueueDepth(uint32(depth))
}

// Compile-time interface checks.
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
