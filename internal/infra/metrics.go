package infra

import (
	"sync/atomic"
	"time"

	"trust_bazaar/internal/domain"
)

// Metrics provides lightweight observability of settlement operations.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	operationsTotal   atomic.Uint64
	errorsTotal       atomic.Uint64
	validationErrors  atomic.Uint64
	notFoundErrors    atomic.Uint64
	authErrors        atomic.Uint64
	stateErrors       atomic.Uint64
	fundsErrors       atomic.Uint64
	custodyErrors     atomic.Uint64
	escrowsLocked     atomic.Uint64
	escrowsReleased   atomic.Uint64
	escrowsRefunded   atomic.Uint64
	custodyViolations atomic.Uint64
	persistFailures   atomic.Uint64

	// Volume (micros)
	volumeLocked   atomic.Int64
	volumeReleased atomic.Int64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	custodied         atomic.Int64
	activeConnections atomic.Int32 // Event feed subscribers
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordOperation records one engine operation with its latency and outcome.
func (m *Metrics) RecordOperation(_ string, latency time.Duration, err error) {
	m.operationsTotal.Add(1)
	m.latencySumNs.Add(latency.Nanoseconds())
	m.latencyCount.Add(1)
	if err != nil {
		m.RecordError(err)
	}
}

// RecordError records an error occurrence by kind.
func (m *Metrics) RecordError(err error) {
	m.errorsTotal.Add(1)
	switch domain.KindOf(err) {
	case domain.KindValidation:
		m.validationErrors.Add(1)
	case domain.KindNotFound:
		m.notFoundErrors.Add(1)
	case domain.KindAuthorization:
		m.authErrors.Add(1)
	case domain.KindState:
		m.stateErrors.Add(1)
	case domain.KindInsufficientFunds:
		m.fundsErrors.Add(1)
	case domain.KindCustody:
		m.custodyErrors.Add(1)
	}
}

// RecordEscrow records an escrow entering the given state.
func (m *Metrics) RecordEscrow(state domain.EscrowState, amount int64) {
	switch state {
	case domain.EscrowHeld:
		m.escrowsLocked.Add(1)
		m.volumeLocked.Add(amount)
	case domain.EscrowReleased:
		m.escrowsReleased.Add(1)
		m.volumeReleased.Add(amount)
	case domain.EscrowRefunded:
		m.escrowsRefunded.Add(1)
	}
}

// RecordCustodyViolation records a listing halt.
func (m *Metrics) RecordCustodyViolation() {
	m.custodyViolations.Add(1)
}

// RecordPersistFailure records a failed write-through.
func (m *Metrics) RecordPersistFailure() {
	m.persistFailures.Add(1)
}

// SetCustodied sets the amount currently held in escrow.
func (m *Metrics) SetCustodied(amount int64) {
	m.custodied.Store(amount)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	OperationsTotal   uint64
	ErrorsTotal       uint64
	ErrorsByKind      map[domain.Kind]uint64
	EscrowsLocked     uint64
	EscrowsReleased   uint64
	EscrowsRefunded   uint64
	CustodyViolations uint64
	PersistFailures   uint64
	VolumeLocked      int64
	VolumeReleased    int64
	AvgLatencyNs      int64
	Custodied         int64
	ActiveConnections int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		OperationsTotal: m.operationsTotal.Load(),
		ErrorsTotal:     m.errorsTotal.Load(),
		ErrorsByKind: map[domain.Kind]uint64{
			domain.KindValidation:        m.validationErrors.Load(),
			domain.KindNotFound:          m.notFoundErrors.Load(),
			domain.KindAuthorization:     m.authErrors.Load(),
			domain.KindState:             m.stateErrors.Load(),
			domain.KindInsufficientFunds: m.fundsErrors.Load(),
			domain.KindCustody:           m.custodyErrors.Load(),
		},
		EscrowsLocked:     m.escrowsLocked.Load(),
		EscrowsReleased:   m.escrowsReleased.Load(),
		EscrowsRefunded:   m.escrowsRefunded.Load(),
		CustodyViolations: m.custodyViolations.Load(),
		PersistFailures:   m.persistFailures.Load(),
		VolumeLocked:      m.volumeLocked.Load(),
		VolumeReleased:    m.volumeReleased.Load(),
		AvgLatencyNs:      avgLatency,
		Custodied:         m.custodied.Load(),
		ActiveConnections: m.activeConnections.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.operationsTotal, &m.errorsTotal, &m.validationErrors, &m.notFoundErrors,
		&m.authErrors, &m.stateErrors, &m.fundsErrors, &m.custodyErrors,
		&m.escrowsLocked, &m.escrowsReleased, &m.escrowsRefunded,
		&m.custodyViolations, &m.persistFailures, &m.latencyCount,
	} {
		c.Store(0)
	}
	m.volumeLocked.Store(0)
	m.volumeReleased.Store(0)
	m.latencySumNs.Store(0)
	m.custodied.Store(0)
	m.activeConnections.Store(0)
}
