// Package metrics provides lightweight, lock-free request counters using
// atomic operations so they impose minimal overhead on hot paths.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics tracks aggregate statistics of one or more sessions.
//
// All counters are atomics: a *Metrics may be shared by every session in a
// process without further locking. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// TotalRequests counts logical requests; redirect hops and retries of
	// the same request are not counted again.
	TotalRequests atomic.Uint64

	// Success counts requests that ended with a response.
	Success atomic.Uint64

	// Failed counts requests that ended with an error.
	Failed atomic.Uint64

	Retries   atomic.Uint64
	Redirects atomic.Uint64

	ConnsDialed atomic.Uint64
	ConnsReused atomic.Uint64

	startTime time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalRequests uint64
	Success       uint64
	Failed        uint64
	Retries       uint64
	Redirects     uint64
	ConnsDialed   uint64
	ConnsReused   uint64
	Uptime        time.Duration
}

// NewMetrics creates a Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// IncrementTotal atomically increments the total-requests counter.
func (m *Metrics) IncrementTotal() {
	if m != nil {
		m.TotalRequests.Add(1)
	}
}

// IncrementSuccess atomically increments the successful-requests counter.
func (m *Metrics) IncrementSuccess() {
	if m != nil {
		m.Success.Add(1)
	}
}

// IncrementFailed atomically increments the failed-requests counter.
func (m *Metrics) IncrementFailed() {
	if m != nil {
		m.Failed.Add(1)
	}
}

func (m *Metrics) IncrementRetries() {
	if m != nil {
		m.Retries.Add(1)
	}
}

func (m *Metrics) IncrementRedirects() {
	if m != nil {
		m.Redirects.Add(1)
	}
}

// RecordConn counts a connection handed to a request, split by whether it
// came from the pool or a fresh dial.
func (m *Metrics) RecordConn(reused bool) {
	if m == nil {
		return
	}
	if reused {
		m.ConnsReused.Add(1)
	} else {
		m.ConnsDialed.Add(1)
	}
}

// RequestsPerSecond returns the average request rate since the Metrics
// instance was created.
func (m *Metrics) RequestsPerSecond() float64 {
	if m == nil {
		return 0
	}
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.TotalRequests.Load()) / elapsed
}

// Snapshot returns a copy of the counters. The loads are not performed
// under one lock, so counters may be off by in-flight requests.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		TotalRequests: m.TotalRequests.Load(),
		Success:       m.Success.Load(),
		Failed:        m.Failed.Load(),
		Retries:       m.Retries.Load(),
		Redirects:     m.Redirects.Load(),
		ConnsDialed:   m.ConnsDialed.Load(),
		ConnsReused:   m.ConnsReused.Load(),
		Uptime:        time.Since(m.startTime),
	}
}
