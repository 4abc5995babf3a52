package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrunkOnJava/citygame-hmr/internal/buildopt"
	"github.com/DrunkOnJava/citygame-hmr/internal/clock"
	"github.com/DrunkOnJava/citygame-hmr/internal/pkgerr"
)

func TestDispatcher_CheckReloadsStopsAtFrameBudget(t *testing.T) {
	manual := clock.NewManualClock()
	swap := func(name, artifactPath string) error {
		manual.Advance(2 * time.Microsecond)
		return nil
	}

	d := New(DispatcherConfig{BudgetNs: 1000}, nil, swap, manual, nil)
	require.NoError(t, d.Init())

	for i := 0; i < 5; i++ {
		d.PushReload(buildopt.ReloadRequest{ModuleName: "gfx"})
	}

	err := d.CheckReloads()
	require.Error(t, err)
	assert.True(t, pkgerr.Is(err, pkgerr.BudgetExceeded))
	assert.Equal(t, uint64(1), d.GetMetrics().TotalReloads)
	assert.Equal(t, 4, d.QueueLen())
}

func TestDispatcher_DisabledSkipsReloads(t *testing.T) {
	manual := clock.NewManualClock()
	swapCalled := false
	swap := func(name, artifactPath string) error { swapCalled = true; return nil }

	d := New(DispatcherConfig{BudgetNs: int64(time.Second)}, nil, swap, manual, nil)
	require.NoError(t, d.Init())
	d.SetEnabled(false)
	d.PushReload(buildopt.ReloadRequest{ModuleName: "gfx"})

	err := d.CheckReloads()
	assert.NoError(t, err)
	assert.False(t, swapCalled)
	assert.Equal(t, 1, d.QueueLen(), "a disabled dispatcher leaves the queue untouched")
}

func TestDispatcher_EnableDisableEnableRestoresPriorBehavior(t *testing.T) {
	manual := clock.NewManualClock()
	swap := func(name, artifactPath string) error { return nil }

	d := New(DispatcherConfig{BudgetNs: int64(time.Second)}, nil, swap, manual, nil)
	require.NoError(t, d.Init())
	d.PushReload(buildopt.ReloadRequest{ModuleName: "gfx"})

	d.SetEnabled(false)
	require.NoError(t, d.CheckReloads())
	assert.Equal(t, 1, d.QueueLen())

	d.SetEnabled(true)
	require.NoError(t, d.CheckReloads())
	assert.Equal(t, 0, d.QueueLen())
	assert.Equal(t, uint64(1), d.GetMetrics().TotalReloads)
}

func TestDispatcher_PausedSkipsReloads(t *testing.T) {
	manual := clock.NewManualClock()
	swap := func(name, artifactPath string) error { return nil }

	d := New(DispatcherConfig{BudgetNs: int64(time.Second)}, nil, swap, manual, nil)
	require.NoError(t, d.Init())
	d.SetPaused(true)
	d.PushReload(buildopt.ReloadRequest{ModuleName: "gfx"})

	err := d.CheckReloads()
	assert.NoError(t, err)
	assert.Equal(t, 1, d.QueueLen())
}

func TestDispatcher_ZeroBudgetProcessesNothing(t *testing.T) {
	manual := clock.NewManualClock()
	swapCalled := false
	swap := func(name, artifactPath string) error { swapCalled = true; return nil }

	d := New(DispatcherConfig{BudgetNs: 0}, nil, swap, manual, nil)
	require.NoError(t, d.Init())
	d.PushReload(buildopt.ReloadRequest{ModuleName: "gfx"})

	err := d.CheckReloads()
	assert.NoError(t, err)
	assert.False(t, swapCalled)
	assert.Equal(t, 1, d.QueueLen())
}

func TestDispatcher_SwapFailureIncrementsFailedReloads(t *testing.T) {
	manual := clock.NewManualClock()
	swap := func(name, artifactPath string) error { return assert.AnError }

	d := New(DispatcherConfig{BudgetNs: int64(time.Second)}, nil, swap, manual, nil)
	require.NoError(t, d.Init())
	d.PushReload(buildopt.ReloadRequest{ModuleName: "gfx"})

	err := d.CheckReloads()
	assert.NoError(t, err)
	m := d.GetMetrics()
	assert.Equal(t, uint64(1), m.FailedReloads)
	assert.Equal(t, uint64(0), m.TotalReloads)
}

func TestDispatcher_CheckIntervalFramesSkipsNonAlignedFrames(t *testing.T) {
	manual := clock.NewManualClock()
	swap := func(name, artifactPath string) error { return nil }

	d := New(DispatcherConfig{BudgetNs: int64(time.Second), CheckIntervalFrames: 4}, nil, swap, manual, nil)
	require.NoError(t, d.Init())
	d.PushReload(buildopt.ReloadRequest{ModuleName: "gfx"})

	d.FrameStart(1) // 1 % 4 != 0, should be skipped
	require.NoError(t, d.CheckReloads())
	assert.Equal(t, 1, d.QueueLen(), "frame 1 is not a checked frame under CheckIntervalFrames=4")
	assert.Equal(t, uint64(0), d.GetMetrics().ChecksThisFrame)

	d.FrameStart(4) // 4 % 4 == 0
	require.NoError(t, d.CheckReloads())
	assert.Equal(t, 0, d.QueueLen())
	assert.Equal(t, uint64(1), d.GetMetrics().ChecksThisFrame)
}

func TestDispatcher_AdaptiveBudgetHalvesUnderSustainedOverrun(t *testing.T) {
	manual := clock.NewManualClock()
	swap := func(name, artifactPath string) error { return nil }

	d := New(DispatcherConfig{BudgetNs: 1000, AdaptiveBudgeting: true}, nil, swap, manual, nil)
	for i := 0; i < 120; i++ {
		d.timing.record(int64(20 * time.Millisecond)) // above the 16ms threshold
	}

	d.applyAdaptiveBudget(d.cfg)
	assert.Equal(t, int64(500), d.currentBudget.Load())
}

func TestDispatcher_InitStartsAndShutdownStops(t *testing.T) {
	manual := clock.NewManualClock()
	swap := func(name, artifactPath string) error { return nil }
	d := New(DispatcherConfig{}, nil, swap, manual, nil)

	require.NoError(t, d.Init())
	err := d.Init()
	assert.Error(t, err, "Init is not idempotent while already initialized")

	require.NoError(t, d.Shutdown())
}

func TestDispatcher_ShutdownDiscardsPendingReloadsAndRejectsChecks(t *testing.T) {
	manual := clock.NewManualClock()
	swap := func(name, artifactPath string) error { return nil }

	d := New(DispatcherConfig{BudgetNs: int64(time.Second)}, nil, swap, manual, nil)
	require.NoError(t, d.Init())
	d.PushReload(buildopt.ReloadRequest{ModuleName: "gfx"})
	d.PushReload(buildopt.ReloadRequest{ModuleName: "audio"})

	require.NoError(t, d.Shutdown())
	assert.Equal(t, 0, d.QueueLen(), "pending reloads do not replay after shutdown")

	err := d.CheckReloads()
	require.Error(t, err)
	assert.True(t, pkgerr.Is(err, pkgerr.InvalidArgument))

	// Metrics stay observable after shutdown.
	assert.Equal(t, uint64(0), d.GetMetrics().TotalReloads)
}

func TestDispatcher_SetConfigUpdatesTunables(t *testing.T) {
	manual := clock.NewManualClock()
	swap := func(name, artifactPath string) error { return nil }

	d := New(DispatcherConfig{BudgetNs: 1000}, nil, swap, manual, nil)
	d.SetConfig(DispatcherConfig{BudgetNs: 2000, CheckIntervalFrames: 10, MaxReloadsPerFrame: 3})

	cfg := d.GetConfig()
	assert.Equal(t, int64(2000), cfg.BudgetNs)
	assert.Equal(t, 10, cfg.CheckIntervalFrames)
	assert.Equal(t, 3, cfg.MaxReloadsPerFrame)
	assert.Equal(t, int64(2000), d.currentBudget.Load())
}
