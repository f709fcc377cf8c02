package smp

import (
	"sync/atomic"
	"time"
)

// SyncWaitBuckets defines the sync-wait histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var SyncWaitBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numSyncWaitBuckets = 8

// SendScope classifies how widely a message was addressed
type SendScope int8

const (
	// ScopeSelf is a message the sender ran inline on itself
	ScopeSelf SendScope = iota
	// ScopeDirected is a message to a single other processor
	ScopeDirected
	// ScopeMulticast is a message to a chosen set of processors
	ScopeMulticast
	// ScopeBroadcast is a message to every other processor
	ScopeBroadcast
)

// Metrics tracks operational statistics for a coordinator
type Metrics struct {
	// Send counters by scope
	SelfSends      atomic.Uint64 // Messages executed inline on the sender
	DirectedSends  atomic.Uint64 // Single-target sends
	MulticastSends atomic.Uint64 // Set-targeted sends
	BroadcastSends atomic.Uint64 // All-but-sender sends
	SyncSends      atomic.Uint64 // Sends that waited for acknowledgment

	// Delivery counters
	Processed [numKinds]atomic.Uint64 // Messages handled, by kind

	// Contention counters
	PoolWaits       atomic.Uint64 // Senders that found the pool empty
	EarlyCalls      atomic.Uint64 // Function calls via the pre-enable path
	DeadlockReports atomic.Uint64 // Lock acquisitions past the spin threshold

	// Sync-wait tracking
	SyncWaitTotalNs atomic.Uint64 // Cumulative sender wait in nanoseconds
	SyncWaitCount   atomic.Uint64 // Number of completed sync waits

	// Sync-wait histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of waits with latency <= SyncWaitBuckets[i]
	SyncWaitHist [numSyncWaitBuckets]atomic.Uint64

	// Coordinator lifecycle
	StartTime atomic.Int64 // Coordinator start timestamp (UnixNano)
	StopTime  atomic.Int64 // Coordinator stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSend records one message send
func (m *Metrics) RecordSend(scope SendScope, sync bool) {
	switch scope {
	case ScopeSelf:
		m.SelfSends.Add(1)
	case ScopeDirected:
		m.DirectedSends.Add(1)
	case ScopeMulticast:
		m.MulticastSends.Add(1)
	case ScopeBroadcast:
		m.BroadcastSends.Add(1)
	}
	if sync {
		m.SyncSends.Add(1)
	}
}

// RecordProcessed records one message handled on a target processor
func (m *Metrics) RecordProcessed(kind MessageKind) {
	if int(kind) < numKinds {
		m.Processed[kind].Add(1)
	}
}

// RecordPoolWait records a sender stalling on an empty message pool
func (m *Metrics) RecordPoolWait() {
	m.PoolWaits.Add(1)
}

// RecordEarlyCall records a function call through the pre-enable path
func (m *Metrics) RecordEarlyCall() {
	m.EarlyCalls.Add(1)
}

// RecordDeadlockReport records a lock acquisition past the spin threshold
func (m *Metrics) RecordDeadlockReport() {
	m.DeadlockReports.Add(1)
}

// RecordSyncWait records a completed sync-send wait and updates the histogram
func (m *Metrics) RecordSyncWait(latencyNs uint64) {
	m.SyncWaitTotalNs.Add(latencyNs)
	m.SyncWaitCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range SyncWaitBuckets {
		if latencyNs <= bucket {
			m.SyncWaitHist[i].Add(1)
		}
	}
}

// Stop marks the coordinator as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	// Sends by scope
	SelfSends      uint64
	DirectedSends  uint64
	MulticastSends uint64
	BroadcastSends uint64
	SyncSends      uint64

	// Delivery
	Processed      [numKinds]uint64
	ProcessedTotal uint64

	// Contention
	PoolWaits       uint64
	EarlyCalls      uint64
	DeadlockReports uint64

	// Sync-wait statistics
	AvgSyncWaitNs  uint64
	SyncWaitP50Ns  uint64 // 50th percentile (median)
	SyncWaitP99Ns  uint64 // 99th percentile
	SyncWaitP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	SyncWaitHistogram [numSyncWaitBuckets]uint64

	// Computed statistics
	TotalSends  uint64
	UptimeNs    uint64
	SendRate    float64 // Sends per second
	ProcessRate float64 // Handled messages per second
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SelfSends:       m.SelfSends.Load(),
		DirectedSends:   m.DirectedSends.Load(),
		MulticastSends:  m.MulticastSends.Load(),
		BroadcastSends:  m.BroadcastSends.Load(),
		SyncSends:       m.SyncSends.Load(),
		PoolWaits:       m.PoolWaits.Load(),
		EarlyCalls:      m.EarlyCalls.Load(),
		DeadlockReports: m.DeadlockReports.Load(),
	}

	for i := 0; i < numKinds; i++ {
		snap.Processed[i] = m.Processed[i].Load()
		snap.ProcessedTotal += snap.Processed[i]
	}

	snap.TotalSends = snap.SelfSends + snap.DirectedSends +
		snap.MulticastSends + snap.BroadcastSends

	// Calculate average sync wait
	waitTotal := m.SyncWaitTotalNs.Load()
	waitCount := m.SyncWaitCount.Load()
	if waitCount > 0 {
		snap.AvgSyncWaitNs = waitTotal / waitCount
	}

	// Calculate uptime
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	// Calculate rates
	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.SendRate = float64(snap.TotalSends) / uptimeSeconds
		snap.ProcessRate = float64(snap.ProcessedTotal) / uptimeSeconds
	}

	// Copy histogram bucket counts
	for i := 0; i < numSyncWaitBuckets; i++ {
		snap.SyncWaitHistogram[i] = m.SyncWaitHist[i].Load()
	}

	// Calculate percentiles from histogram
	if waitCount > 0 {
		snap.SyncWaitP50Ns = m.calculatePercentile(0.50)
		snap.SyncWaitP99Ns = m.calculatePercentile(0.99)
		snap.SyncWaitP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the sync wait at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalWaits := m.SyncWaitCount.Load()
	if totalWaits == 0 {
		return 0
	}

	targetCount := uint64(float64(totalWaits) * percentile)

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range SyncWaitBuckets {
		bucketCount := m.SyncWaitHist[i].Load()
		if bucketCount >= targetCount {
			// Linear interpolation within bucket
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.SyncWaitHist[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// If we get here, the wait exceeds all buckets
	return SyncWaitBuckets[numSyncWaitBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.SelfSends.Store(0)
	m.DirectedSends.Store(0)
	m.MulticastSends.Store(0)
	m.BroadcastSends.Store(0)
	m.SyncSends.Store(0)
	for i := 0; i < numKinds; i++ {
		m.Processed[i].Store(0)
	}
	m.PoolWaits.Store(0)
	m.EarlyCalls.Store(0)
	m.DeadlockReports.Store(0)
	m.SyncWaitTotalNs.Store(0)
	m.SyncWaitCount.Store(0)
	for i := 0; i < numSyncWaitBuckets; i++ {
		m.SyncWaitHist[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveSend is called for each message send
	ObserveSend(kind MessageKind, scope SendScope, sync bool)

	// ObserveProcessed is called for each message handled on a target
	ObserveProcessed(cpu int32, kind MessageKind)

	// ObserveSyncWait is called when a sync sender finishes waiting
	ObserveSyncWait(latencyNs uint64)

	// ObservePoolWait is called when a sender finds the pool empty
	ObservePoolWait()

	// ObserveEarlyCall is called for each pre-enable function call
	ObserveEarlyCall()

	// ObserveDeadlock is called when a lock spin passes the threshold
	ObserveDeadlock(lock string, cpu int32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSend(MessageKind, SendScope, bool) {}
func (NoOpObserver) ObserveProcessed(int32, MessageKind)      {}
func (NoOpObserver) ObserveSyncWait(uint64)                   {}
func (NoOpObserver) ObservePoolWait()                         {}
func (NoOpObserver) ObserveEarlyCall()                        {}
func (NoOpObserver) ObserveDeadlock(string, int32)            {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSend(kind MessageKind, scope SendScope, sync bool) {
	o.metrics.RecordSend(scope, sync)
}

func (o *MetricsObserver) ObserveProcessed(cpu int32, kind MessageKind) {
	o.metrics.RecordProcessed(kind)
}

func (o *MetricsObserver) ObserveSyncWait(latencyNs uint64) {
	o.metrics.RecordSyncWait(latencyNs)
}

func (o *MetricsObserver) ObservePoolWait() {
	o.metrics.RecordPoolWait()
}

func (o *MetricsObserver) ObserveEarlyCall() {
	o.metrics.RecordEarlyCall()
}

func (o *MetricsObserver) ObserveDeadlock(lock string, cpu int32) {
	o.metrics.RecordDeadlockReport()
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
