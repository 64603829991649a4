package veos

import (
	"sync/atomic"
	"time"

	"github.com/veos-project/veos-core/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
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

// Metrics tracks performance and operational statistics for a veosd
// instance: DMA engine throughput, signal delivery counts, and core-dump
// latency.
type Metrics struct {
	DMAPosts     atomic.Uint64
	DMAEntries   atomic.Uint64
	DMABytes     atomic.Uint64
	DMACompleted atomic.Uint64
	DMAFailed    atomic.Uint64
	DMACanceled  atomic.Uint64

	SignalsSent      atomic.Uint64
	SignalsQueued    atomic.Uint64
	SignalsCoalesced atomic.Uint64
	SignalsDelivered atomic.Uint64

	CoredumpsOK     atomic.Uint64
	CoredumpsFailed atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyHistogram holds cumulative counts: bucket[i] counts
	// operations with latency <= LatencyBuckets[i] (the package var above).
	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with its start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordDMAPost records a Post call covering the given number of reqlist
// entries and total bytes.
func (m *Metrics) RecordDMAPost(entries int, bytes uint64) {
	m.DMAPosts.Add(1)
	m.DMAEntries.Add(uint64(entries))
	m.DMABytes.Add(bytes)
}

// RecordDMAComplete records one or more descriptor completions.
func (m *Metrics) RecordDMAComplete(entries int, bytes uint64, latencyNs uint64, ok bool) {
	if ok {
		m.DMACompleted.Add(uint64(entries))
	} else {
		m.DMAFailed.Add(uint64(entries))
	}
	m.recordLatency(latencyNs)
}

// RecordDMACancel records a Cancel call covering the given number of
// slots.
func (m *Metrics) RecordDMACancel(entries int) {
	m.DMACanceled.Add(uint64(entries))
}

// RecordSignalSend records a signal send, distinguishing whether it was
// queued (delivered later) or coalesced into an already-pending signal.
func (m *Metrics) RecordSignalSend(queued bool) {
	m.SignalsSent.Add(1)
	if queued {
		m.SignalsQueued.Add(1)
	} else {
		m.SignalsCoalesced.Add(1)
	}
}

// RecordSignalDeliver records a signal delivery action (default, handler
// invocation, or ignore).
func (m *Metrics) RecordSignalDeliver() {
	m.SignalsDelivered.Add(1)
}

// RecordCoredump records a core-dump attempt's outcome and latency.
func (m *Metrics) RecordCoredump(ok bool, latencyNs uint64) {
	if ok {
		m.CoredumpsOK.Add(1)
	} else {
		m.CoredumpsFailed.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records the engine's current outstanding-descriptor
// count for depth statistics.
func (m *Metrics) RecordQueueDepth(depth int) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if uint32(depth) <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, uint32(depth)) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

// Stop marks the service as stopped, fixing uptime calculations.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics for
// reporting and tests.
type MetricsSnapshot struct {
	DMAPosts     uint64
	DMAEntries   uint64
	DMABytes     uint64
	DMACompleted uint64
	DMAFailed    uint64
	DMACanceled  uint64

	SignalsSent      uint64
	SignalsQueued    uint64
	SignalsCoalesced uint64
	SignalsDelivered uint64

	CoredumpsOK     uint64
	CoredumpsFailed uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		DMAPosts:         m.DMAPosts.Load(),
		DMAEntries:       m.DMAEntries.Load(),
		DMABytes:         m.DMABytes.Load(),
		DMACompleted:     m.DMACompleted.Load(),
		DMAFailed:        m.DMAFailed.Load(),
		DMACanceled:      m.DMACanceled.Load(),
		SignalsSent:      m.SignalsSent.Load(),
		SignalsQueued:    m.SignalsQueued.Load(),
		SignalsCoalesced: m.SignalsCoalesced.Load(),
		SignalsDelivered: m.SignalsDelivered.Load(),
		CoredumpsOK:      m.CoredumpsOK.Load(),
		CoredumpsFailed:  m.CoredumpsFailed.Load(),
		MaxQueueDepth:    m.MaxQueueDepth.Load(),
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

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHistogram[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHistogram[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHistogram[i-1].Load()
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

// Reset clears all counters, useful between test cases.
func (m *Metrics) Reset() {
	m.DMAPosts.Store(0)
	m.DMAEntries.Store(0)
	m.DMABytes.Store(0)
	m.DMACompleted.Store(0)
	m.DMAFailed.Store(0)
	m.DMACanceled.Store(0)
	m.SignalsSent.Store(0)
	m.SignalsQueued.Store(0)
	m.SignalsCoalesced.Store(0)
	m.SignalsDelivered.Store(0)
	m.CoredumpsOK.Store(0)
	m.CoredumpsFailed.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHistogram[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsObserver adapts Metrics to internal/interfaces.Observer, the
// narrow interface the DMA engine and signal subsystem depend on.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDMAPost(entries int, bytes uint64) {
	o.metrics.RecordDMAPost(entries, bytes)
}

func (o *MetricsObserver) ObserveDMAComplete(entries int, bytes uint64, latencyNs uint64, ok bool) {
	o.metrics.RecordDMAComplete(entries, bytes, latencyNs, ok)
}

func (o *MetricsObserver) ObserveDMACancel(entries int) {
	o.metrics.RecordDMACancel(entries)
}

func (o *MetricsObserver) ObserveSignalSend(signo int, queued bool) {
	o.metrics.RecordSignalSend(queued)
}

func (o *MetricsObserver) ObserveSignalDeliver(signo int, action string) {
	o.metrics.RecordSignalDeliver()
}

func (o *MetricsObserver) ObserveCoredump(ok bool, latencyNs uint64) {
	o.metrics.RecordCoredump(ok, latencyNs)
}

func (o *MetricsObserver) ObserveQueueDepth(used int) {
	o.metrics.RecordQueueDepth(used)
}

// NoOpObserver is a no-op implementation of interfaces.Observer for
// callers that don't want metrics overhead.
type NoOpObserver struct{}

func (NoOpObserver) ObserveDMAPost(int, uint64)                   {}
func (NoOpObserver) ObserveDMAComplete(int, uint64, uint64, bool) {}
func (NoOpObserver) ObserveDMACancel(int)                         {}
func (NoOpObserver) ObserveSignalSend(int, bool)                  {}
func (NoOpObserver) ObserveSignalDeliver(int, string)             {}
func (NoOpObserver) ObserveCoredump(bool, uint64)                 {}
func (NoOpObserver) ObserveQueueDepth(int)                        {}

var (
	_ interfaces.Observer = (*MetricsObserver)(nil)
	_ interfaces.Observer = (*NoOpObserver)(nil)
)
