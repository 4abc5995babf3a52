// Package buildopt decides what to rebuild, deduplicates work via a
// content-addressed cache, schedules builds across a worker pool, and
// emits reload requests when artifacts are ready.
package buildopt

import (
	"fmt"
	"sync"
	"time"

	"github.com/DrunkOnJava/citygame-hmr/internal/pkgerr"
)

// TargetKind is the sum type of module output kinds.
type TargetKind int

const (
	Object TargetKind = iota
	Library
	Executable
)

func (k TargetKind) String() string {
	switch k {
	case Object:
		return "object"
	case Library:
		return "library"
	case Executable:
		return "executable"
	default:
		return "unknown"
	}
}

// ModulePriority mirrors the watcher's priority scale for build jobs
// and modules.
type ModulePriority int

const (
	PriorityCritical ModulePriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

func (p ModulePriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// ModuleState is the sum type of module lifecycle states. Transitions
// go through the optimizer's registry: StartBuild moves a module to
// Building, a finished build moves it to Active or Failed, and
// Optimizer.Pause/Resume move it between Active and Paused.
type ModuleState int

const (
	Idle ModuleState = iota
	Building
	Active
	Paused
	Failed
)

func (s ModuleState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the module state machine.
var validTransitions = map[ModuleState]map[ModuleState]bool{
	Idle:     {Building: true},
	Building: {Active: true, Failed: true, Idle: true},
	Active:   {Building: true, Paused: true},
	Paused:   {Active: true, Building: true},
	Failed:   {Building: true, Idle: true},
}

func canTransition(from, to ModuleState) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}

// Module is a named unit of compiled code. It is
// exclusively owned by the optimizer; the dispatcher holds only a
// name lookup.
type Module struct {
	Name             string
	SourceDir        string
	OutputDir        string
	Target           TargetKind
	Priority         ModulePriority
	Dependencies     []string
	LastBuildNs      int64
	State            ModuleState
	ArtifactPath     string
	FailureReason    string
}

// registry owns the module table, mutated only under mu.
type registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
	max     int
}

func newRegistry(max int) *registry {
	return &registry{modules: make(map[string]*Module), max: max}
}

// Register adds a new module. Fails with AlreadyExists on name
// collision, OutOfMemory if the table is at capacity.
func (r *registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.Name]; exists {
		return pkgerr.New(pkgerr.AlreadyExists, fmt.Sprintf("module %q already registered", m.Name))
	}
	if len(r.modules) >= r.max {
		return pkgerr.New(pkgerr.OutOfMemory, "module table at capacity")
	}
	m.State = Idle
	r.modules[m.Name] = &m
	return nil
}

// Get returns a copy of the named module's current state.
func (r *registry) Get(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, exists := r.modules[name]
	if !exists {
		return Module{}, pkgerr.New(pkgerr.NotFound, fmt.Sprintf("module %q not found", name))
	}
	return *m, nil
}

// All returns a snapshot of every registered module.
func (r *registry) All() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, *m)
	}
	return out
}

// transition moves a module to a new state, rejecting invalid paths.
func (r *registry) transition(name string, to ModuleState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, exists := r.modules[name]
	if !exists {
		return pkgerr.New(pkgerr.NotFound, fmt.Sprintf("module %q not found", name))
	}
	if !canTransition(m.State, to) {
		return pkgerr.New(pkgerr.InvalidArgument, fmt.Sprintf("invalid transition %s -> %s for module %q", m.State, to, name))
	}
	m.State = to
	return nil
}

// recordBuildResult applies the outcome of a finished build to the
// module table.
func (r *registry) recordBuildResult(name string, success bool, durationNs int64, artifactPath, failureReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, exists := r.modules[name]
	if !exists {
		return pkgerr.New(pkgerr.NotFound, fmt.Sprintf("module %q not found", name))
	}
	m.LastBuildNs = durationNs
	if success {
		m.State = Active
		m.ArtifactPath = artifactPath
		m.FailureReason = ""
	} else {
		m.State = Failed
		m.FailureReason = failureReason
	}
	return nil
}

// EstimatedBuildDuration returns the module's last known build
// duration, or a 5s default for modules that have never finished a
// build.
func EstimatedBuildDuration(m Module) time.Duration {
	if m.LastBuildNs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.LastBuildNs)
}
