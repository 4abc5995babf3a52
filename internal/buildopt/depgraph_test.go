package buildopt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDependencyGraph_DirectAndTransitiveDependents(t *testing.T) {
	g := NewDependencyGraph()
	g.AddModule("physics", "/src/physics", nil)
	g.AddModule("sim", "/src/sim", []string{"physics"})
	g.AddModule("render", "/src/render", []string{"sim"})

	assert.Equal(t, []string{"sim"}, g.DirectDependents("physics"))
	assert.ElementsMatch(t, []string{"sim", "render"}, g.TransitiveDependents("physics"))
}

func TestDependencyGraph_ModulesForChangeIncludesTransitiveDependents(t *testing.T) {
	g := NewDependencyGraph()
	g.AddModule("physics", "/src/physics", nil)
	g.AddModule("sim", "/src/sim", []string{"physics"})
	g.AddModule("render", "/src/render", []string{"sim"})

	affected := g.ModulesForChange("/src/physics/collide.c")
	assert.ElementsMatch(t, []string{"physics", "sim", "render"}, affected)
}

func TestDependencyGraph_ModulesForChangeUnrelatedPathReturnsNothing(t *testing.T) {
	g := NewDependencyGraph()
	g.AddModule("physics", "/src/physics", nil)

	affected := g.ModulesForChange("/src/audio/mixer.c")
	assert.Empty(t, affected)
}

func TestDependencyGraph_RemoveModuleClearsEdges(t *testing.T) {
	g := NewDependencyGraph()
	g.AddModule("physics", "/src/physics", nil)
	g.AddModule("sim", "/src/sim", []string{"physics"})

	g.RemoveModule("sim")
	assert.Empty(t, g.DirectDependents("physics"))
}

func TestDependencyGraph_TopoSortOrdersDependenciesFirst(t *testing.T) {
	g := NewDependencyGraph()
	g.AddModule("physics", "/src/physics", nil)
	g.AddModule("sim", "/src/sim", []string{"physics"})
	g.AddModule("render", "/src/render", []string{"sim"})

	modules := []Module{
		{Name: "render", Priority: PriorityNormal},
		{Name: "physics", Priority: PriorityNormal},
		{Name: "sim", Priority: PriorityNormal},
	}
	sorted := g.TopoSortByDepthThenPriority(modules)
	order := make([]string, len(sorted))
	for i, m := range sorted {
		order[i] = m.Name
	}
	assert.Equal(t, []string{"physics", "sim", "render"}, order)
}

func TestDependencyGraph_TopoSortBreaksTiesByPriority(t *testing.T) {
	g := NewDependencyGraph()
	g.AddModule("a", "/src/a", nil)
	g.AddModule("b", "/src/b", nil)

	modules := []Module{
		{Name: "a", Priority: PriorityLow},
		{Name: "b", Priority: PriorityCritical},
	}
	sorted := g.TopoSortByDepthThenPriority(modules)
	assert.Equal(t, "b", sorted[0].Name, "same depth, critical priority sorts first")
}
