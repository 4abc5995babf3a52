package buildopt

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/DrunkOnJava/citygame-hmr/internal/clock"
	"github.com/DrunkOnJava/citygame-hmr/internal/pkgerr"
)

// Handlers groups the build-optimizer callbacks the host may register:
// on_build_start/complete, on_cache_update.
type Handlers struct {
	OnBuildStart    func(moduleName string)
	OnBuildComplete func(moduleName string, success bool, durationNs int64)
	OnCacheUpdate   func(sourcePath string, hit bool)
}

// Config configures the Optimizer.
type Config struct {
	MaxModules      int
	CacheMaxEntries int
	WorkerPoolSize  int
	JobTimeout      time.Duration
	Clock           clock.Clock
	Logger          *logrus.Logger
	Invoke          ToolchainInvoker
	Handlers        Handlers

	// Store, if non-nil, persists every cache update so a process
	// restart does not force a full rebuild. Loaded once at construction via LoadAll; the optimizer
	// does not own its lifecycle — the host opens and closes it.
	Store *CacheStore
}

// Optimizer is the Build Optimizer subsystem: module
// registry, content-addressed cache, dependency graph, and a worker
// pool scheduler, wired together into one register/analyze/build/
// cache-update flow.
type Optimizer struct {
	cfg       Config
	registry  *registry
	cache     *Cache
	graph     *DependencyGraph
	scheduler *Scheduler

	reloadQueueMu sync.Mutex
	onReload      func(ReloadRequest)
}

// New constructs an Optimizer from cfg.
func New(cfg Config) *Optimizer {
	if cfg.MaxModules <= 0 {
		cfg.MaxModules = 64
	}
	if cfg.CacheMaxEntries == 0 {
		// An unset cache bound defaults to one entry per module slot.
		cfg.CacheMaxEntries = cfg.MaxModules
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	o := &Optimizer{
		cfg:      cfg,
		registry: newRegistry(cfg.MaxModules),
		cache:    NewCache(cfg.CacheMaxEntries),
		graph:    NewDependencyGraph(),
	}
	if cfg.Store != nil {
		if err := cfg.Store.LoadAll(o.cache); err != nil {
			cfg.Logger.Warnf("buildopt: failed to load persisted cache index: %v", err)
		}
	}
	o.scheduler = NewScheduler(cfg.WorkerPoolSize, cfg.JobTimeout, cfg.Invoke, cfg.Clock, cfg.Logger)
	o.scheduler.OnComplete(o.handleJobComplete)
	return o
}

// Close stops the scheduler's completion worker. The cache store, if
// any, stays open — the host owns its lifecycle.
func (o *Optimizer) Close() {
	o.scheduler.Close()
}

// RegisterModule adds a module to the registry and its dependency graph.
func (o *Optimizer) RegisterModule(m Module) error {
	if err := o.registry.Register(m); err != nil {
		return err
	}
	o.graph.AddModule(m.Name, m.SourceDir, m.Dependencies)
	return nil
}

// AnalyzeChange returns the modules needing rebuild for changedPath,
// ordered by dependency depth then priority.
func (o *Optimizer) AnalyzeChange(changedPath string) []Module {
	names := o.graph.ModulesForChange(changedPath)
	modules := make([]Module, 0, len(names))
	for _, name := range names {
		if m, err := o.registry.Get(name); err == nil {
			modules = append(modules, m)
		}
	}
	return o.graph.TopoSortByDepthThenPriority(modules)
}

// DependencyHash folds each declared dependency's (name, modification
// time, size) into the module's source hash, so a touched dependency
// invalidates the cache even when the module's own bytes are
// unchanged. A module with no dependencies keeps its source hash as
// is. Dependencies whose source directory cannot be stat'd are skipped
// rather than failing the whole fold.
func (o *Optimizer) DependencyHash(moduleName, sourceHash string) (string, error) {
	m, err := o.registry.Get(moduleName)
	if err != nil {
		return "", err
	}
	if len(m.Dependencies) == 0 {
		return sourceHash, nil
	}
	deps := make([]clock.DependencyMeta, 0, len(m.Dependencies))
	for _, depName := range m.Dependencies {
		dep, err := o.registry.Get(depName)
		if err != nil {
			continue
		}
		info, err := os.Stat(dep.SourceDir)
		if err != nil {
			continue
		}
		deps = append(deps, clock.DependencyMeta{Name: dep.Name, ModTime: info.ModTime(), Size: info.Size()})
	}
	return clock.FoldDependencyHash(sourceHash, deps), nil
}

// CheckCache reports whether (sourcePath, outputPath) needs a rebuild:
// it returns false when the cache already holds a fresh artifact for
// currentSourceHash, and true otherwise.
func (o *Optimizer) CheckCache(sourcePath, outputPath, currentSourceHash string) bool {
	key := CacheKey{SourcePath: sourcePath, OutputPath: outputPath}
	_, hit := o.cache.Lookup(key, currentSourceHash)
	if o.cfg.Handlers.OnCacheUpdate != nil {
		o.cfg.Handlers.OnCacheUpdate(sourcePath, hit)
	}
	return !hit // true means "rebuild needed"
}

// UpdateCache records a freshly built artifact in the content cache.
func (o *Optimizer) UpdateCache(sourcePath, outputPath, sourceHash, definesHash, toolchainVersion string, buildDurationNs int64) error {
	key := CacheKey{SourcePath: sourcePath, OutputPath: outputPath}
	_, err := o.cache.Update(key, sourceHash, definesHash, toolchainVersion, buildDurationNs, o.cfg.Clock)
	return err
}

// StartBuild launches a build job for moduleName. sourceHash and
// definesHash are the content hashes the caller computed for the
// module's current source tree and preprocessor defines;
// toolchainVersion identifies the compiler build that will run. All
// three are recorded on the cache entry a successful build produces.
func (o *Optimizer) StartBuild(moduleName string, defines []string, sourceHash, definesHash, toolchainVersion string) (BuildJob, error) {
	m, err := o.registry.Get(moduleName)
	if err != nil {
		return BuildJob{}, err
	}
	if err := o.registry.transition(moduleName, Building); err != nil {
		return BuildJob{}, err
	}
	job, err := o.scheduler.StartBuild(m, defines, sourceHash, definesHash, toolchainVersion)
	if err != nil {
		// Roll the module back to its prior non-building state; Idle is
		// the safe default for a build that never actually started.
		_ = o.registry.transition(moduleName, Idle)
		return BuildJob{}, err
	}
	if o.cfg.Handlers.OnBuildStart != nil {
		o.cfg.Handlers.OnBuildStart(moduleName)
	}
	return job, nil
}

// handleJobComplete is the scheduler's completion callback: it updates
// module state and the cache, then — on success — enqueues a reload
// request via onReload.
func (o *Optimizer) handleJobComplete(job BuildJob, success bool, reload *ReloadRequest) {
	failureReason := ""
	if !success {
		failureReason = "build failed or timed out"
	}
	_ = o.registry.recordBuildResult(job.ModuleName, success, job.FinishedNs-job.StartedNs, job.OutputPath, failureReason)

	if success {
		key := CacheKey{SourcePath: job.SourcePath, OutputPath: job.OutputPath}
		entry, err := o.cache.Update(key, job.SourceHash, job.DefinesHash, job.ToolchainVersion, job.FinishedNs-job.StartedNs, o.cfg.Clock)
		if err != nil {
			o.cfg.Logger.Warnf("buildopt: cache update rejected for module %q: %v", job.ModuleName, err)
		} else if o.cfg.Store != nil {
			if err := o.cfg.Store.Put(key, entry); err != nil {
				o.cfg.Logger.Warnf("buildopt: failed to persist cache entry for %q: %v", job.SourcePath, err)
			}
		}
	}

	if o.cfg.Handlers.OnBuildComplete != nil {
		o.cfg.Handlers.OnBuildComplete(job.ModuleName, success, job.FinishedNs-job.StartedNs)
	}

	if success && reload != nil {
		o.reloadQueueMu.Lock()
		cb := o.onReload
		o.reloadQueueMu.Unlock()
		if cb != nil {
			cb(*reload)
		}
	}
}

// OnReload registers the callback invoked with each successful build's
// reload request — typically the runtime dispatcher's ring-buffer
// push.
func (o *Optimizer) OnReload(fn func(ReloadRequest)) {
	o.reloadQueueMu.Lock()
	defer o.reloadQueueMu.Unlock()
	o.onReload = fn
}

// GetModule returns a snapshot of one module's current record.
func (o *Optimizer) GetModule(name string) (Module, error) {
	return o.registry.Get(name)
}

// Modules returns a snapshot of every registered module.
func (o *Optimizer) Modules() []Module {
	return o.registry.All()
}

// CacheStats exposes the cache's observables.
func (o *Optimizer) CacheStats() Stats {
	return o.cache.Stats()
}

// ActiveBuilds exposes the scheduler's in-flight job count.
func (o *Optimizer) ActiveBuilds() int {
	return o.scheduler.ActiveBuilds()
}

// EstimatedTotalBuildTime sums each module's estimated duration, using
// last-known build duration where available and a 5s default otherwise.
func EstimatedTotalBuildTime(modules []Module) time.Duration {
	var total time.Duration
	for _, m := range modules {
		total += EstimatedBuildDuration(m)
	}
	return total
}

// Pause transitions an active module to paused state.
func (o *Optimizer) Pause(moduleName string) error {
	if err := o.registry.transition(moduleName, Paused); err != nil {
		return pkgerr.Wrap(pkgerr.InvalidArgument, "pause module", err)
	}
	return nil
}

// Resume transitions a paused module back to active.
func (o *Optimizer) Resume(moduleName string) error {
	if err := o.registry.transition(moduleName, Active); err != nil {
		return pkgerr.Wrap(pkgerr.InvalidArgument, "resume module", err)
	}
	return nil
}
