package shmex

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the round-trip latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
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

// Metrics tracks operational statistics for an exchange endpoint
type Metrics struct {
	// Protocol operation counters
	SendOps    atomic.Uint64 // Total send round-trips attempted
	RespondOps atomic.Uint64 // Total responses published

	// Byte counters
	SendBytes    atomic.Uint64 // Response bytes received by successful sends
	RespondBytes atomic.Uint64 // Response bytes published

	// Failure counters
	SendErrors atomic.Uint64 // Sends that returned an error
	Timeouts   atomic.Uint64 // Sends that hit their deadline
	Shutdowns  atomic.Uint64 // Sends that failed because the exchange shut down

	// Round-trip latency tracking
	TotalLatencyNs atomic.Uint64 // Cumulative send latency in nanoseconds
	OpCount        atomic.Uint64 // Sends measured (for average latency)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of sends with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Endpoint lifecycle
	StartTime atomic.Int64 // Endpoint start timestamp (UnixNano)
	StopTime  atomic.Int64 // Endpoint stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSend records one send round-trip
func (m *Metrics) RecordSend(bytes uint64, latencyNs uint64, success bool) {
	m.SendOps.Add(1)
	if success {
		m.SendBytes.Add(bytes)
	} else {
		m.SendErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRespond records one published response
func (m *Metrics) RecordRespond(bytes uint64) {
	m.RespondOps.Add(1)
	m.RespondBytes.Add(bytes)
}

// RecordTimeout records a send deadline expiry
func (m *Metrics) RecordTimeout() {
	m.Timeouts.Add(1)
}

// RecordShutdown records a send that failed because the exchange shut down
func (m *Metrics) RecordShutdown() {
	m.Shutdowns.Add(1)
}

// recordLatency records round-trip latency and updates the histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the endpoint as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time view of metrics
type MetricsSnapshot struct {
	SendOps    uint64
	RespondOps uint64

	SendBytes    uint64
	RespondBytes uint64

	SendErrors uint64
	Timeouts   uint64
	Shutdowns  uint64

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	SendRate      float64 // Round-trips per second
	SendBandwidth float64 // Response bytes per second
	ErrorRate     float64 // Percentage of failed sends
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SendOps:      m.SendOps.Load(),
		RespondOps:   m.RespondOps.Load(),
		SendBytes:    m.SendBytes.Load(),
		RespondBytes: m.RespondBytes.Load(),
		SendErrors:   m.SendErrors.Load(),
		Timeouts:     m.Timeouts.Load(),
		Shutdowns:    m.Shutdowns.Load(),
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
		snap.SendRate = float64(snap.SendOps) / uptimeSeconds
		snap.SendBandwidth = float64(snap.SendBytes) / uptimeSeconds
	}

	if snap.SendOps > 0 {
		snap.ErrorRate = float64(snap.SendErrors) / float64(snap.SendOps) * 100.0
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

	// Latency exceeded every bucket
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.SendOps.Store(0)
	m.RespondOps.Store(0)
	m.SendBytes.Store(0)
	m.RespondBytes.Store(0)
	m.SendErrors.Store(0)
	m.Timeouts.Store(0)
	m.Shutdowns.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection.
// Implementations must be thread-safe; methods are called from the protocol
// hot path on both endpoints.
type Observer interface {
	// ObserveSend is called for each send round-trip attempt
	ObserveSend(bytes uint64, latencyNs uint64, success bool)

	// ObserveRespond is called for each published response
	ObserveRespond(bytes uint64)

	// ObserveTimeout is called when a send hits its deadline
	ObserveTimeout()

	// ObserveShutdown is called when a send fails because the exchange is
	// shut down, whether it was waiting or had not yet started. Poll does
	// not call it.
	ObserveShutdown()
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSend(uint64, uint64, bool) {}
func (NoOpObserver) ObserveRespond(uint64)            {}
func (NoOpObserver) ObserveTimeout()                  {}
func (NoOpObserver) ObserveShutdown()                 {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSend(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordSend(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveRespond(bytes uint64) {
	o.metrics.RecordRespond(bytes)
}

func (o *MetricsObserver) ObserveTimeout() {
	o.metrics.RecordTimeout()
}

func (o *MetricsObserver) ObserveShutdown() {
	o.metrics.RecordShutdown()
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
