package buildopt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterRejectsDuplicateAndOverCapacity(t *testing.T) {
	r := newRegistry(1)
	require.NoError(t, r.Register(Module{Name: "gfx"}))

	err := r.Register(Module{Name: "gfx"})
	assert.Error(t, err)

	err = r.Register(Module{Name: "sim"})
	assert.Error(t, err, "registry is already at capacity")
}

func TestRegistry_RegisterSetsIdleState(t *testing.T) {
	r := newRegistry(8)
	require.NoError(t, r.Register(Module{Name: "gfx", State: Active}))
	m, err := r.Get("gfx")
	require.NoError(t, err)
	assert.Equal(t, Idle, m.State, "registration always starts a module at Idle regardless of caller input")
}

func TestRegistry_TransitionValidPath(t *testing.T) {
	r := newRegistry(8)
	require.NoError(t, r.Register(Module{Name: "gfx"}))
	require.NoError(t, r.transition("gfx", Building))
	require.NoError(t, r.transition("gfx", Active))
	require.NoError(t, r.transition("gfx", Paused))
	require.NoError(t, r.transition("gfx", Active))
}

func TestRegistry_TransitionRejectsInvalidPath(t *testing.T) {
	r := newRegistry(8)
	require.NoError(t, r.Register(Module{Name: "gfx"}))
	err := r.transition("gfx", Active)
	assert.Error(t, err, "Idle cannot jump directly to Active")
}

func TestRegistry_TransitionUnknownModule(t *testing.T) {
	r := newRegistry(8)
	err := r.transition("missing", Building)
	assert.Error(t, err)
}

func TestRegistry_RecordBuildResultSuccess(t *testing.T) {
	r := newRegistry(8)
	require.NoError(t, r.Register(Module{Name: "gfx"}))
	require.NoError(t, r.transition("gfx", Building))

	require.NoError(t, r.recordBuildResult("gfx", true, 1500, "/out/gfx.so", ""))
	m, err := r.Get("gfx")
	require.NoError(t, err)
	assert.Equal(t, Active, m.State)
	assert.Equal(t, "/out/gfx.so", m.ArtifactPath)
	assert.Equal(t, int64(1500), m.LastBuildNs)
}

func TestRegistry_RecordBuildResultFailure(t *testing.T) {
	r := newRegistry(8)
	require.NoError(t, r.Register(Module{Name: "gfx"}))
	require.NoError(t, r.transition("gfx", Building))

	require.NoError(t, r.recordBuildResult("gfx", false, 200, "", "compiler crashed"))
	m, err := r.Get("gfx")
	require.NoError(t, err)
	assert.Equal(t, Failed, m.State)
	assert.Equal(t, "compiler crashed", m.FailureReason)
}

func TestEstimatedBuildDuration_DefaultsWhenUnknown(t *testing.T) {
	d := EstimatedBuildDuration(Module{LastBuildNs: 0})
	assert.Equal(t, 5*time.Second, d)
}

func TestEstimatedBuildDuration_UsesLastBuild(t *testing.T) {
	d := EstimatedBuildDuration(Module{LastBuildNs: 42})
	assert.Equal(t, int64(42), d.Nanoseconds())
}

func TestDefaultWorkerPoolSize_CapsAtCoresMinusTwoAboveEight(t *testing.T) {
	assert.Equal(t, 14, DefaultWorkerPoolSize(16, 64))
}

func TestDefaultWorkerPoolSize_UsesAllCoresAtOrBelowEight(t *testing.T) {
	assert.Equal(t, 4, DefaultWorkerPoolSize(4, 64))
}

func TestDefaultWorkerPoolSize_MemoryBoundCanBind(t *testing.T) {
	assert.Equal(t, 2, DefaultWorkerPoolSize(16, 4))
}

func TestDefaultWorkerPoolSize_NeverBelowOne(t *testing.T) {
	assert.Equal(t, 1, DefaultWorkerPoolSize(1, 0))
}

func TestRecommendedParallelism(t *testing.T) {
	assert.Equal(t, 3, RecommendedParallelism(8, 3))
	assert.Equal(t, 8, RecommendedParallelism(8, 20))
}
