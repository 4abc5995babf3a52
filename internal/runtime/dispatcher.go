package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/DrunkOnJava/citygame-hmr/internal/buildopt"
	"github.com/DrunkOnJava/citygame-hmr/internal/clock"
	"github.com/DrunkOnJava/citygame-hmr/internal/pkgerr"
	"github.com/DrunkOnJava/citygame-hmr/internal/watcher"
)

// sixtyFPSFrameNs is the 16ms frame-time threshold the adaptive-budget
// rule compares the rolling average against.
const sixtyFPSFrameNs = int64(16 * time.Millisecond)

// SwapFunc is the host-supplied module-swap collaborator: given a
// module name and a freshly built artifact path, perform the in-process
// code replacement.
type SwapFunc func(moduleName, newArtifactPath string) error

// DispatcherConfig is the dispatcher's read/write config struct. A zero
// BudgetNs means CheckReloads processes nothing and returns nil; the
// host-facing default comes from the config layer (max_frame_budget_ns).
type DispatcherConfig struct {
	BudgetNs            int64
	CheckIntervalFrames int
	AdaptiveBudgeting   bool
	MaxReloadsPerFrame  int
}

func (c *DispatcherConfig) setDefaults() {
	if c.BudgetNs < 0 {
		c.BudgetNs = 0
	}
	if c.CheckIntervalFrames <= 0 {
		c.CheckIntervalFrames = 60
	}
	if c.MaxReloadsPerFrame <= 0 {
		c.MaxReloadsPerFrame = 1 // tunable default, not a hard cap
	}
}

// Metrics is the dispatcher's read-only observable surface.
type Metrics struct {
	TotalChecks       uint64
	TotalReloads      uint64
	FailedReloads     uint64
	InProgressReloads uint64
	AvgFrameNs        int64
	PeakFrameNs       int64
	HMROverheadNs     int64
	CurrentFrame      uint64
	ChecksThisFrame   uint64
}

// Dispatcher runs on the frame thread, draining the reload ring
// buffer within a bounded per-frame budget. Init starts the attached
// file watcher, if any; Shutdown stops it.
type Dispatcher struct {
	mu     sync.Mutex
	cfg    DispatcherConfig
	clock  clock.Clock
	logger *logrus.Logger
	swap   SwapFunc
	fw     *watcher.Watcher

	queue  *ReloadRingBuffer
	timing *frameTimingWindow

	enabled          atomic.Bool
	paused           atomic.Bool
	initialized      atomic.Bool
	reloadInProgress atomic.Bool

	frameNumber      atomic.Uint64
	frameStartNs     atomic.Int64
	frameEndNs       atomic.Int64
	lastFrameStartNs atomic.Int64

	totalChecks     atomic.Uint64
	checksThisFrame atomic.Uint64
	totalReloads    atomic.Uint64
	failedReloads   atomic.Uint64
	hmrOverheadNs   atomic.Int64
	currentBudget   atomic.Int64
}

// New constructs a Dispatcher around fw (the file watcher it manages
// as an internal helper thread) and swap (the host's module-swap
// collaborator).
func New(cfg DispatcherConfig, fw *watcher.Watcher, swap SwapFunc, c clock.Clock, logger *logrus.Logger) *Dispatcher {
	cfg.setDefaults()
	if c == nil {
		c = clock.NewSystemClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	d := &Dispatcher{
		cfg:    cfg,
		clock:  c,
		logger: logger,
		swap:   swap,
		fw:     fw,
		queue:  NewReloadRingBuffer(32),
		timing: newFrameTimingWindow(120),
	}
	d.currentBudget.Store(cfg.BudgetNs)
	return d
}

// Init enables the dispatcher and starts the attached file watcher, if
// any. It does not seed the frame-timing window: the window starts
// empty and FrameStart records each frame's duration from the previous
// FrameStart.
func (d *Dispatcher) Init() error {
	if !d.initialized.CompareAndSwap(false, true) {
		return pkgerr.New(pkgerr.InvalidArgument, "dispatcher already initialized")
	}
	d.enabled.Store(true)

	if d.fw != nil {
		if err := d.fw.Start(); err != nil {
			d.initialized.Store(false)
			return pkgerr.Wrap(pkgerr.SystemError, "start file watcher", err)
		}
	}
	return nil
}

// Shutdown joins the file-watching helper. Pending reload requests are
// discarded rather than replayed; metrics stay observable afterwards.
func (d *Dispatcher) Shutdown() error {
	if !d.initialized.CompareAndSwap(true, false) {
		return nil
	}
	d.enabled.Store(false)
	for {
		if _, ok := d.queue.Pop(); !ok {
			break
		}
	}
	if d.fw != nil {
		return d.fw.Stop()
	}
	return nil
}

// PushReload enqueues a completed build's reload request — the
// optimizer's completion worker calls this as the ring buffer's
// producer side.
func (d *Dispatcher) PushReload(req buildopt.ReloadRequest) {
	d.queue.Push(req)
}

// AddWatch is a thin, mutex-protected pass-through to the file watcher.
func (d *Dispatcher) AddWatch(opts watcher.WatchOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fw == nil {
		return pkgerr.New(pkgerr.InvalidArgument, "no file watcher attached")
	}
	return d.fw.AddWatchPath(opts)
}

// RemoveWatch is the removal counterpart of AddWatch.
func (d *Dispatcher) RemoveWatch(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fw == nil {
		return pkgerr.New(pkgerr.InvalidArgument, "no file watcher attached")
	}
	return d.fw.RemoveWatchPath(path)
}

// SetEnabled toggles the dispatcher's enabled flag. Disabled means no
// checks and no reloads until re-enabled.
func (d *Dispatcher) SetEnabled(enabled bool) { d.enabled.Store(enabled) }

// SetPaused toggles paused: watches continue, reloads are deferred.
func (d *Dispatcher) SetPaused(paused bool) { d.paused.Store(paused) }

// SetConfig replaces the dispatcher's tunable configuration.
func (d *Dispatcher) SetConfig(cfg DispatcherConfig) {
	cfg.setDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.currentBudget.Store(cfg.BudgetNs)
}

// GetConfig returns the current tunable configuration.
func (d *Dispatcher) GetConfig() DispatcherConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// FrameStart stamps the frame's start time and folds the previous
// frame's duration into the timing window.
func (d *Dispatcher) FrameStart(frameNumber uint64) {
	now := d.clock.NowNano()
	prevStart := d.lastFrameStartNs.Load()
	if prevStart > 0 {
		d.timing.record(now - prevStart)
	}
	d.lastFrameStartNs.Store(now)
	d.frameStartNs.Store(now)
	d.frameNumber.Store(frameNumber)
	d.checksThisFrame.Store(0)
}

// FrameEnd stamps the frame's end time.
func (d *Dispatcher) FrameEnd() {
	d.frameEndNs.Store(d.clock.NowNano())
}

// CheckReloads runs the frame-budget drain: called once per frame, it
// pops and applies pending reload requests until the queue is empty,
// the per-frame reload cap is reached, or the budget is exhausted.
// Returns BudgetExceeded when the budget ran out mid-drain; never
// fatal while initialized.
func (d *Dispatcher) CheckReloads() error {
	if !d.initialized.Load() {
		return pkgerr.New(pkgerr.InvalidArgument, "dispatcher not initialized")
	}
	if !d.enabled.Load() || d.paused.Load() {
		return nil
	}

	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	frameNumber := d.frameNumber.Load()
	if cfg.CheckIntervalFrames > 0 && frameNumber%uint64(cfg.CheckIntervalFrames) != 0 {
		return nil
	}
	d.totalChecks.Add(1)
	d.checksThisFrame.Add(1)

	d.applyAdaptiveBudget(cfg)
	budget := d.currentBudget.Load()
	if budget <= 0 {
		return nil
	}

	start := d.clock.NowNano()
	defer func() {
		d.hmrOverheadNs.Add(d.clock.NowNano() - start)
	}()

	processed := 0
	for d.queue.Len() > 0 && processed < cfg.MaxReloadsPerFrame {
		if d.clock.NowNano()-start >= budget {
			// Budget gone with requests still pending; they stay queued
			// for the next checked frame.
			return pkgerr.New(pkgerr.BudgetExceeded, "dispatcher frame budget exhausted")
		}
		req, ok := d.queue.Pop()
		if !ok {
			break
		}

		d.reloadInProgress.Store(true)
		err := d.swap(req.ModuleName, req.ArtifactPath)
		d.reloadInProgress.Store(false)

		if err != nil {
			d.failedReloads.Add(1)
			d.logger.Warnf("runtime: swap failed for module %q: %v", req.ModuleName, err)
		} else {
			d.totalReloads.Add(1)
		}
		processed++

		if d.clock.NowNano()-start >= budget {
			return pkgerr.New(pkgerr.BudgetExceeded, "dispatcher frame budget exhausted")
		}
	}
	return nil
}

// applyAdaptiveBudget halves the configured budget when the rolling
// average frame time exceeds the 60 FPS threshold, else restores the
// configured maximum.
func (d *Dispatcher) applyAdaptiveBudget(cfg DispatcherConfig) {
	if !cfg.AdaptiveBudgeting {
		d.currentBudget.Store(cfg.BudgetNs)
		return
	}
	if d.timing.average() > sixtyFPSFrameNs {
		d.currentBudget.Store(cfg.BudgetNs / 2)
	} else {
		d.currentBudget.Store(cfg.BudgetNs)
	}
}

// GetMetrics returns a point-in-time snapshot of the dispatcher's
// observables.
func (d *Dispatcher) GetMetrics() Metrics {
	inProgress := uint64(0)
	if d.reloadInProgress.Load() {
		inProgress = 1
	}
	return Metrics{
		TotalChecks:       d.totalChecks.Load(),
		TotalReloads:      d.totalReloads.Load(),
		FailedReloads:     d.failedReloads.Load(),
		InProgressReloads: inProgress,
		AvgFrameNs:        d.timing.average(),
		PeakFrameNs:       d.timing.peakNs(),
		HMROverheadNs:     d.hmrOverheadNs.Load(),
		CurrentFrame:      d.frameNumber.Load(),
		ChecksThisFrame:   d.checksThisFrame.Load(),
	}
}

// QueueLen reports pending reload requests, for test assertions.
func (d *Dispatcher) QueueLen() int { return d.queue.Len() }

// DroppedReloads reports the ring buffer's overflow counter.
func (d *Dispatcher) DroppedReloads() uint64 { return d.queue.Dropped() }
