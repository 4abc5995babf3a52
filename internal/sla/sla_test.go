package sla

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrunkOnJava/citygame-hmr/internal/clock"
	"github.com/DrunkOnJava/citygame-hmr/internal/pkgerr"
)

func frameBudgetContract(higherIsBetter bool) Contract {
	if higherIsBetter {
		return Contract{ContractID: "fps", MetricID: "frames_per_second", Target: 60, Warning: 55, Critical: 45, Breach: 30, HigherIsBetter: true, Active: true}
	}
	return Contract{ContractID: "frame_budget", MetricID: "dispatcher_frame_ns", Target: 16_000_000, Warning: 18_000_000, Critical: 22_000_000, Breach: 33_000_000, HigherIsBetter: false, Active: true}
}

func TestContract_CmpHigherIsBetter(t *testing.T) {
	c := Contract{HigherIsBetter: true}
	assert.True(t, c.cmp(60, 60))
	assert.True(t, c.cmp(61, 60))
	assert.False(t, c.cmp(59, 60))
}

func TestContract_CmpLowerIsBetter(t *testing.T) {
	c := Contract{HigherIsBetter: false}
	assert.True(t, c.cmp(16, 16))
	assert.True(t, c.cmp(15, 16))
	assert.False(t, c.cmp(17, 16))
}

func TestMonitor_RecordMeasurementUnknownContractReturnsNotFound(t *testing.T) {
	m := New(Config{})
	err := m.RecordMeasurement("ghost", "metric", 1.0)
	require.Error(t, err)
	assert.True(t, pkgerr.Is(err, pkgerr.NotFound))
}

func TestMonitor_InactiveContractRecordsButTakesNoAction(t *testing.T) {
	m := New(Config{})
	c := frameBudgetContract(false)
	c.Active = false
	m.RegisterContract(c)

	err := m.RecordMeasurement(c.ContractID, c.MetricID, 50_000_000) // far past breach
	require.NoError(t, err)
	assert.Empty(t, m.Violations(), "an inactive contract takes no compliance action")
	assert.Len(t, m.Measurements(), 1, "the sample is still recorded")
}

func TestMonitor_EvaluateSeverityEscalation(t *testing.T) {
	m := New(Config{})
	c := frameBudgetContract(false)
	m.RegisterContract(c)

	cases := []struct {
		value    float64
		expected Severity
	}{
		{10_000_000, SeverityNone},
		{17_000_000, SeverityWarning},
		{25_000_000, SeverityCritical},
		{40_000_000, SeverityBreach},
	}
	for _, tc := range cases {
		got := m.evaluate(c, tc.value)
		assert.Equal(t, tc.expected, got, "value=%v", tc.value)
	}
}

func TestMonitor_RecordMeasurementTracksViolationAndCallback(t *testing.T) {
	var gotContract string
	var gotSeverity Severity

	m := New(Config{OnViolation: func(contractID string, severity Severity) {
		gotContract = contractID
		gotSeverity = severity
	}})
	c := frameBudgetContract(false)
	m.RegisterContract(c)

	require.NoError(t, m.RecordMeasurement(c.ContractID, c.MetricID, 40_000_000))
	assert.Equal(t, "frame_budget", gotContract)
	assert.Equal(t, SeverityBreach, gotSeverity)

	violations := m.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, SeverityBreach, violations[0].Severity)
	assert.Equal(t, RemediationNotTriggered, violations[0].RemediationStatus)
}

func TestMonitor_AutoRemediationDispatchesEmergencyHandlerAtCriticalOrAbove(t *testing.T) {
	called := false
	m := New(Config{
		AutoRemediation: true,
		EmergencyHandler: func(v Violation) error {
			called = true
			return nil
		},
		MinorHandler: func(v Violation) error {
			t.Fatal("minor handler should not run for a breach-severity violation")
			return nil
		},
	})
	c := frameBudgetContract(false)
	m.RegisterContract(c)

	require.NoError(t, m.RecordMeasurement(c.ContractID, c.MetricID, 40_000_000))
	assert.True(t, called)

	violations := m.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, RemediationSucceeded, violations[0].RemediationStatus)
	assert.Equal(t, uint64(1), m.GetPerformanceCounters().RemediationsExecuted)
}

func TestMonitor_AutoRemediationMarksFailedOnHandlerError(t *testing.T) {
	m := New(Config{
		AutoRemediation: true,
		MinorHandler: func(v Violation) error {
			return errors.New("remediation script exited non-zero")
		},
	})
	c := frameBudgetContract(false)
	m.RegisterContract(c)

	require.NoError(t, m.RecordMeasurement(c.ContractID, c.MetricID, 17_000_000)) // warning only
	violations := m.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, RemediationFailed, violations[0].RemediationStatus)
}

func TestMonitor_ViolationRingOverwritesOldest(t *testing.T) {
	m := New(Config{ViolationRingSize: 2})
	c := frameBudgetContract(false)
	m.RegisterContract(c)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.RecordMeasurement(c.ContractID, c.MetricID, 40_000_000))
	}
	violations := m.Violations()
	require.Len(t, violations, 2)
	assert.Equal(t, uint64(2), violations[0].ID, "the oldest violation (ID 1) was overwritten")
	assert.Equal(t, uint64(3), violations[1].ID)
}

func TestMonitor_MeasurementRingOverwritesOldest(t *testing.T) {
	manual := clock.NewManualClock()
	m := New(Config{MeasurementRingSize: 2, Clock: manual})
	c := frameBudgetContract(false)
	c.Active = false // avoid violation bookkeeping noise
	m.RegisterContract(c)

	for i := int64(0); i < 3; i++ {
		manual.Set(i + 1)
		require.NoError(t, m.RecordMeasurement(c.ContractID, c.MetricID, float64(i)))
	}
	samples := m.Measurements()
	require.Len(t, samples, 2)
	assert.Equal(t, float64(1), samples[0].Value)
	assert.Equal(t, float64(2), samples[1].Value)
}

func TestMonitor_FrameUpdateHalvesBatchSizeOnOverrun(t *testing.T) {
	m := New(Config{})
	assert.Equal(t, int64(64), m.GetPerformanceCounters().CurrentBatchSize)

	m.FrameUpdate(1, 16_000_000, 20_000_000)
	assert.Equal(t, int64(32), m.GetPerformanceCounters().CurrentBatchSize)
}

func TestMonitor_FrameUpdateLeavesBatchSizeUnchangedWithinBudget(t *testing.T) {
	m := New(Config{})
	m.FrameUpdate(1, 16_000_000, 10_000_000)
	assert.Equal(t, int64(64), m.GetPerformanceCounters().CurrentBatchSize)
}
