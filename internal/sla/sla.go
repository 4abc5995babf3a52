// Package sla implements the SLA Monitor: real-time
// evaluation of whether the dispatcher is meeting its contract, with
// optional remediation signaling. It reuses the bounded-ring-with-
// overwrite idiom established for the reload queue
// (internal/runtime/ringbuffer.go) for its measurement and violation
// rings.
package sla

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/DrunkOnJava/citygame-hmr/internal/clock"
	"github.com/DrunkOnJava/citygame-hmr/internal/pkgerr"
)

// Severity is the sum type of violation severities.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityCritical
	SeverityBreach
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeverityBreach:
		return "breach"
	default:
		return "unknown"
	}
}

// RemediationStatus tracks a violation's remediation lifecycle,
// folding the result in place rather than leaving it unobservable once
// a handler has run.
type RemediationStatus int

const (
	RemediationNotTriggered RemediationStatus = iota
	RemediationPending
	RemediationSucceeded
	RemediationFailed
)

func (r RemediationStatus) String() string {
	switch r {
	case RemediationNotTriggered:
		return "not_triggered"
	case RemediationPending:
		return "pending"
	case RemediationSucceeded:
		return "succeeded"
	case RemediationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Contract is an SLA contract: four thresholds and a
// direction flag.
type Contract struct {
	ContractID     string
	MetricID       string
	Target         float64
	Warning        float64
	Critical       float64
	Breach         float64
	HigherIsBetter bool
	Active         bool
}

// cmp is (v >= threshold) when higher is better, else (v <= threshold).
func (c Contract) cmp(v, threshold float64) bool {
	if c.HigherIsBetter {
		return v >= threshold
	}
	return v <= threshold
}

// Measurement is a single recorded sample.
type Measurement struct {
	ContractID  string
	MetricID    string
	Value       float64
	TimestampNs int64
}

// Violation is a recorded SLA breach.
type Violation struct {
	ID                uint64
	ContractID        string
	MetricID          string
	Severity          Severity
	StartNs           int64
	EndNs             int64 // 0 means ongoing
	RemediationStatus RemediationStatus
}

// RemediationHandler performs the host-supplied remediation action and
// reports whether it succeeded.
type RemediationHandler func(v Violation) error

// Config configures a Monitor.
type Config struct {
	AutoRemediation     bool
	MeasurementBudgetNs int64
	MeasurementRingSize int
	ViolationRingSize   int
	Clock               clock.Clock
	EmergencyHandler    RemediationHandler
	MinorHandler        RemediationHandler
	OnViolation         func(contractID string, severity Severity)
}

func (c *Config) setDefaults() {
	if c.MeasurementBudgetNs <= 0 {
		c.MeasurementBudgetNs = 20_000
	}
	if c.MeasurementRingSize <= 0 {
		c.MeasurementRingSize = 4096
	}
	if c.ViolationRingSize <= 0 {
		c.ViolationRingSize = 1000
	}
	if c.Clock == nil {
		c.Clock = clock.NewSystemClock()
	}
}

// Monitor evaluates SLA contracts against recorded measurements.
type Monitor struct {
	cfg Config

	mu        sync.RWMutex
	contracts map[string]*Contract

	measurements    []Measurement
	measurementHead int
	measurementLen  int

	violations    []Violation
	violationHead int
	violationLen  int
	violationIDs  *clock.IDAllocator

	totalEvaluations     atomic.Uint64
	violationsDetected   atomic.Uint64
	remediationsExecuted atomic.Uint64
	peakEvalNs           atomic.Int64
	batchSize            atomic.Int64
}

// New constructs a Monitor from cfg.
func New(cfg Config) *Monitor {
	cfg.setDefaults()
	m := &Monitor{
		cfg:          cfg,
		contracts:    make(map[string]*Contract),
		measurements: make([]Measurement, cfg.MeasurementRingSize),
		violations:   make([]Violation, cfg.ViolationRingSize),
		violationIDs: clock.NewIDAllocator(),
	}
	m.batchSize.Store(64)
	return m
}

// RegisterContract adds or replaces a contract definition.
func (m *Monitor) RegisterContract(c Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc := c
	m.contracts[contractKey(c.ContractID, c.MetricID)] = &cc
}

func contractKey(contractID, metricID string) string {
	return contractID + "\x00" + metricID
}

// RecordMeasurement appends a sample to the bounded measurement ring,
// then evaluates the relevant contract. Returns NotFound for an
// unknown contract/metric; for an inactive contract, it still records
// the sample but takes no compliance action.
func (m *Monitor) RecordMeasurement(contractID, metricID string, value float64) error {
	evalStart := m.cfg.Clock.NowNano()

	m.mu.Lock()
	contract, exists := m.contracts[contractKey(contractID, metricID)]
	m.mu.Unlock()
	if !exists {
		return pkgerr.New(pkgerr.NotFound, fmt.Sprintf("no contract for (%s, %s)", contractID, metricID))
	}

	now := m.cfg.Clock.NowNano()
	m.appendMeasurement(Measurement{ContractID: contractID, MetricID: metricID, Value: value, TimestampNs: now})

	if !contract.Active {
		m.recordEvalTime(evalStart)
		return nil
	}

	severity := m.evaluate(*contract, value)
	if severity != SeverityNone {
		m.recordViolation(*contract, severity, now)
	}

	m.recordEvalTime(evalStart)
	m.totalEvaluations.Add(1)
	return nil
}

// evaluate returns the severity of the worst failed threshold
// comparison, or SeverityNone if fully compliant.
func (m *Monitor) evaluate(c Contract, v float64) Severity {
	if !c.cmp(v, c.Breach) {
		return SeverityBreach
	}
	if !c.cmp(v, c.Critical) {
		return SeverityCritical
	}
	if !c.cmp(v, c.Warning) {
		return SeverityWarning
	}
	if !c.cmp(v, c.Target) {
		return SeverityWarning
	}
	return SeverityNone
}

func (m *Monitor) appendMeasurement(meas Measurement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := (m.measurementHead + m.measurementLen) % len(m.measurements)
	if m.measurementLen == len(m.measurements) {
		// Ring is full; overwrite the oldest and advance head.
		m.measurements[m.measurementHead] = meas
		m.measurementHead = (m.measurementHead + 1) % len(m.measurements)
		return
	}
	m.measurements[idx] = meas
	m.measurementLen++
}

func (m *Monitor) recordViolation(c Contract, severity Severity, nowNs int64) {
	v := Violation{
		ID:                m.violationIDs.Next(),
		ContractID:        c.ContractID,
		MetricID:          c.MetricID,
		Severity:          severity,
		StartNs:           nowNs,
		RemediationStatus: RemediationNotTriggered,
	}

	m.mu.Lock()
	idx := (m.violationHead + m.violationLen) % len(m.violations)
	if m.violationLen == len(m.violations) {
		m.violations[m.violationHead] = v
		m.violationHead = (m.violationHead + 1) % len(m.violations)
	} else {
		m.violations[idx] = v
		m.violationLen++
	}
	m.mu.Unlock()

	m.violationsDetected.Add(1)
	if m.cfg.OnViolation != nil {
		m.cfg.OnViolation(c.ContractID, severity)
	}

	if m.cfg.AutoRemediation {
		m.remediate(v, severity)
	}
}

// remediate dispatches to the emergency handler at critical+ severity,
// else the minor handler, updating the
// violation's RemediationStatus in place with the outcome.
func (m *Monitor) remediate(v Violation, severity Severity) {
	handler := m.cfg.MinorHandler
	if severity >= SeverityCritical {
		handler = m.cfg.EmergencyHandler
	}
	if handler == nil {
		return
	}

	m.setRemediationStatus(v.ID, RemediationPending)
	err := handler(v)
	if err != nil {
		m.setRemediationStatus(v.ID, RemediationFailed)
		return
	}
	m.remediationsExecuted.Add(1)
	m.setRemediationStatus(v.ID, RemediationSucceeded)
}

func (m *Monitor) setRemediationStatus(id uint64, status RemediationStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.violationLen; i++ {
		idx := (m.violationHead + i) % len(m.violations)
		if m.violations[idx].ID == id {
			m.violations[idx].RemediationStatus = status
			return
		}
	}
}

// recordEvalTime tracks peak evaluation time. Exceeding the
// per-measurement time budget records the elapsed time as
// peak_evaluation_time_ns; the measurement is never dropped regardless.
func (m *Monitor) recordEvalTime(evalStartNs int64) {
	elapsed := m.cfg.Clock.NowNano() - evalStartNs
	for {
		cur := m.peakEvalNs.Load()
		if elapsed <= cur || m.peakEvalNs.CompareAndSwap(cur, elapsed) {
			break
		}
	}
}

// FrameUpdate performs lightweight periodic bookkeeping; if
// frameBudgetNs was exceeded, it halves the monitor's own batch size.
func (m *Monitor) FrameUpdate(frameNumber uint64, frameBudgetNs int64, actualFrameNs int64) {
	if actualFrameNs > frameBudgetNs {
		cur := m.batchSize.Load()
		if cur > 1 {
			m.batchSize.Store(cur / 2)
		}
	}
}

// PerformanceCounters is the read-only observable view.
type PerformanceCounters struct {
	TotalEvaluations     uint64
	ViolationsDetected   uint64
	RemediationsExecuted uint64
	PeakEvaluationNs     int64
	CurrentBatchSize     int64
}

// GetPerformanceCounters returns a point-in-time snapshot.
func (m *Monitor) GetPerformanceCounters() PerformanceCounters {
	return PerformanceCounters{
		TotalEvaluations:     m.totalEvaluations.Load(),
		ViolationsDetected:   m.violationsDetected.Load(),
		RemediationsExecuted: m.remediationsExecuted.Load(),
		PeakEvaluationNs:     m.peakEvalNs.Load(),
		CurrentBatchSize:     m.batchSize.Load(),
	}
}

// Violations returns a snapshot of currently retained violations,
// oldest first.
func (m *Monitor) Violations() []Violation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Violation, 0, m.violationLen)
	for i := 0; i < m.violationLen; i++ {
		idx := (m.violationHead + i) % len(m.violations)
		out = append(out, m.violations[idx])
	}
	return out
}

// Measurements returns a snapshot of currently retained measurements,
// oldest first.
func (m *Monitor) Measurements() []Measurement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Measurement, 0, m.measurementLen)
	for i := 0; i < m.measurementLen; i++ {
		idx := (m.measurementHead + i) % len(m.measurements)
		out = append(out, m.measurements[idx])
	}
	return out
}
