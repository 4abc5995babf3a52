package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/DrunkOnJava/citygame-hmr/internal/clock"
	"github.com/DrunkOnJava/citygame-hmr/internal/pkgerr"
)

// Handlers groups the non-blocking callbacks the host may register:
// on_batch_ready, on_critical_change, and on_network_status.
type Handlers struct {
	OnBatchReady     func(ChangeBatch)
	OnCriticalChange func(FileEvent)
	OnNetworkStatus  func(mount string, connected bool)
	OnError          func(path string, err error)
}

// WatchOptions configures one watched root.
type WatchOptions struct {
	Path            string
	Mask            ChangeMask
	DefaultPriority Priority
	Recursive       bool
	FollowSymlinks  bool
	Debounce        time.Duration
	FSKind          FSKind
}

type watchEntry struct {
	opts   WatchOptions
	active bool
	// dirs lists the directories added to the fsnotify watch set for
	// this root, so RemoveWatchPath can release exactly what was added.
	dirs []string
}

// Config configures the Watcher as a whole.
type Config struct {
	BatchTimeout      time.Duration
	GlobalDebounce    time.Duration
	MaxBatchSize      int
	BypassThreshold   Priority
	QueueCapacity     int
	NetworkPollPeriod time.Duration
	Clock             clock.Clock
	Logger            *logrus.Logger
	Handlers          Handlers
}

func (c *Config) setDefaults() {
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 250 * time.Millisecond
	}
	if c.GlobalDebounce <= 0 {
		c.GlobalDebounce = 50 * time.Millisecond
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 256
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.NetworkPollPeriod <= 0 {
		c.NetworkPollPeriod = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.NewSystemClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// Watcher detects, filters, debounces, and batches filesystem events:
// fsnotify-backed recursive watching, content-hash dedup of spurious
// writes, inode-based rename pairing, priority-bucketed batching with
// a critical bypass, and a network-FS polling fallback.
type Watcher struct {
	cfg Config

	fs      *fsnotify.Watcher
	batchID *clock.IDAllocator

	mu          sync.RWMutex
	watches     map[string]*watchEntry
	globalRules []FilterRule
	perPathRule map[string][]FilterRule

	buckets [priorityCount]*bucket
	queue   *batchQueue
	rename  *renameTracker

	fileHashesMu sync.RWMutex
	fileHashes   map[string]string

	running atomic.Bool
	paused  atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	excludedCount    atomic.Uint64
	criticalCount    atomic.Uint64
	debouncedCount   atomic.Uint64
	batchesDoneCount atomic.Uint64
	eventsByPriority [priorityCount]atomic.Uint64
}

// New constructs a Watcher. The fsnotify backend is created lazily on
// Start so tests that only exercise classification/batching need not
// touch the real filesystem.
func New(cfg Config) *Watcher {
	cfg.setDefaults()
	w := &Watcher{
		cfg:         cfg,
		batchID:     clock.NewIDAllocator(),
		watches:     make(map[string]*watchEntry),
		perPathRule: make(map[string][]FilterRule),
		queue:       newBatchQueue(cfg.QueueCapacity),
		rename:      newRenameTracker(500 * time.Millisecond),
		fileHashes:  make(map[string]string),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for p := 0; p < priorityCount; p++ {
		w.buckets[p] = newBucket(Priority(p), cfg.GlobalDebounce, cfg.BatchTimeout, cfg.MaxBatchSize)
	}
	return w
}

// AddWatchPath registers a new watched root. Fails with AlreadyExists if
// the path is already watched.
func (w *Watcher) AddWatchPath(opts WatchOptions) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.watches[opts.Path]; exists {
		return pkgerr.New(pkgerr.AlreadyExists, fmt.Sprintf("path %s already watched", opts.Path))
	}
	if opts.Debounce <= 0 {
		opts.Debounce = w.cfg.GlobalDebounce
	}
	w.watches[opts.Path] = &watchEntry{opts: opts, active: true}

	if w.fs != nil && opts.FSKind == Local {
		if err := w.addRecursiveLocked(w.watches[opts.Path]); err != nil {
			w.watches[opts.Path].active = false
			if w.cfg.Handlers.OnError != nil {
				w.cfg.Handlers.OnError(opts.Path, err)
			}
			return pkgerr.Wrap(pkgerr.SystemError, "add watch path", err)
		}
	}
	return nil
}

// RemoveWatchPath unregisters a watched root and releases the OS
// watches it added. Adding then removing a path leaves the watch set
// unchanged.
func (w *Watcher) RemoveWatchPath(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, exists := w.watches[path]
	if !exists {
		return pkgerr.New(pkgerr.NotFound, fmt.Sprintf("path %s not watched", path))
	}
	if w.fs != nil {
		for _, dir := range entry.dirs {
			if err := w.fs.Remove(dir); err != nil {
				w.cfg.Logger.Debugf("watcher: failed to unwatch %s: %v", dir, err)
			}
		}
	}
	delete(w.watches, path)
	delete(w.perPathRule, path)
	return nil
}

// AddFilterRule registers a global filter rule, applied after any
// per-path rules, in registration order.
func (w *Watcher) AddFilterRule(rule FilterRule) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.globalRules = append(w.globalRules, rule)
}

// AddPathFilterRule registers a rule scoped to one watched root.
func (w *Watcher) AddPathFilterRule(path string, rule FilterRule) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.perPathRule[path] = append(w.perPathRule[path], rule)
}

// Start begins watching all registered roots.
func (w *Watcher) Start() error {
	if w.running.Load() {
		return pkgerr.New(pkgerr.InvalidArgument, "watcher already started")
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return pkgerr.Wrap(pkgerr.SystemError, "create fsnotify watcher", err)
	}
	w.fs = fs

	w.mu.Lock()
	for _, entry := range w.watches {
		if entry.opts.FSKind != Local {
			continue
		}
		if err := w.addRecursiveLocked(entry); err != nil {
			entry.active = false
			if w.cfg.Handlers.OnError != nil {
				w.cfg.Handlers.OnError(entry.opts.Path, err)
			}
		}
	}
	w.mu.Unlock()

	w.running.Store(true)
	go w.processEvents()
	go w.flushLoop()
	go w.pollNetworkPaths()
	return nil
}

// Stop halts the watcher and releases OS resources.
func (w *Watcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	close(w.stopCh)
	<-w.doneCh
	w.rename.Close()
	w.queue.Close()
	if w.fs != nil {
		return w.fs.Close()
	}
	return nil
}

// Pause defers debounce-driven batch delivery without tearing down OS
// watches. Events keep accumulating in their buckets and are delivered
// on Resume; only the critical bypass and max-size closure still
// deliver while paused.
func (w *Watcher) Pause() { w.paused.Store(true) }

// Resume resumes delivery after Pause.
func (w *Watcher) Resume() { w.paused.Store(false) }

// ForceBatchProcessing flushes every open bucket immediately.
func (w *Watcher) ForceBatchProcessing() {
	now := w.cfg.Clock.NowNano()
	for _, b := range w.buckets {
		if ready, ok := b.flushIfReady(now, true); ok {
			w.publish(ready)
		}
	}
}

// NextBatch blocks for the next ready batch, highest priority first.
func (w *Watcher) NextBatch() (ChangeBatch, bool) {
	return w.queue.Pop()
}

// TryNextBatch is the non-blocking variant of NextBatch.
func (w *Watcher) TryNextBatch() (ChangeBatch, bool) {
	return w.queue.TryPop()
}

// SimulateChange is a test hook: it injects a synthetic event through
// the same classification/batching path a real fsnotify event would
// take, without touching the filesystem watch itself.
func (w *Watcher) SimulateChange(path string, kind ChangeKind, size int64) {
	w.handleChange(path, kind, size, false)
}

// GetFileHashes returns a snapshot of tracked content hashes, for
// persistence by the caller.
func (w *Watcher) GetFileHashes() map[string]string {
	w.fileHashesMu.RLock()
	defer w.fileHashesMu.RUnlock()
	out := make(map[string]string, len(w.fileHashes))
	for k, v := range w.fileHashes {
		out[k] = v
	}
	return out
}

// SetFileHashes seeds tracked content hashes (e.g. after a restart).
func (w *Watcher) SetFileHashes(hashes map[string]string) {
	w.fileHashesMu.Lock()
	defer w.fileHashesMu.Unlock()
	w.fileHashes = hashes
}

// Stats is a read-only snapshot of the watcher's counters.
type Stats struct {
	ExcludedCount    uint64
	CriticalCount    uint64
	DebouncedCount   uint64
	BatchesProcessed uint64
	DroppedBatches   uint64
	EventsByPriority [priorityCount]uint64
}

// Stats returns a point-in-time snapshot of the watcher's metrics.
func (w *Watcher) Stats() Stats {
	s := Stats{
		ExcludedCount:    w.excludedCount.Load(),
		CriticalCount:    w.criticalCount.Load(),
		DebouncedCount:   w.debouncedCount.Load(),
		BatchesProcessed: w.batchesDoneCount.Load(),
		DroppedBatches:   w.queue.Dropped(),
	}
	for p := 0; p < priorityCount; p++ {
		s.EventsByPriority[p] = w.eventsByPriority[p].Load()
	}
	return s
}

// addRecursiveLocked adds the entry's root (and, if recursive, its
// subdirectories) to the fsnotify watch set, recording what was added
// on the entry. Caller holds w.mu.
func (w *Watcher) addRecursiveLocked(entry *watchEntry) error {
	opts := entry.opts
	return filepath.Walk(opts.Path, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			w.rename.trackFile(walkPath)
			if hash, herr := clock.HashFile(walkPath); herr == nil {
				w.fileHashesMu.Lock()
				w.fileHashes[walkPath] = hash
				w.fileHashesMu.Unlock()
			}
			return nil
		}
		if walkPath != opts.Path && !opts.Recursive {
			return filepath.SkipDir
		}
		if err := w.fs.Add(walkPath); err != nil {
			w.cfg.Logger.Warnf("watcher: failed to watch %s: %v", walkPath, err)
			return nil
		}
		entry.dirs = append(entry.dirs, walkPath)
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleFsnotifyEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.cfg.Logger.Errorf("watcher: fsnotify error: %v", err)
			if w.cfg.Handlers.OnError != nil {
				w.cfg.Handlers.OnError("", err)
			}
		}
	}
}

func (w *Watcher) handleFsnotifyEvent(ev fsnotify.Event) {
	info, statErr := os.Stat(ev.Name)
	var size int64
	isDir := false
	if statErr == nil {
		size = info.Size()
		isDir = info.IsDir()
	}

	switch {
	case ev.Op&fsnotify.Create == fsnotify.Create:
		if isDir {
			w.mu.Lock()
			if err := w.fs.Add(ev.Name); err != nil {
				w.cfg.Logger.Warnf("watcher: failed to watch new dir %s: %v", ev.Name, err)
			}
			w.mu.Unlock()
		}
		if rn := w.rename.handleCreate(ev.Name); rn != nil {
			w.handleChange(rn.newPath, Renamed, size, false)
			return
		}
		w.handleChange(ev.Name, Created, size, false)

	case ev.Op&fsnotify.Write == fsnotify.Write:
		newHash, err := clock.HashFile(ev.Name)
		if err != nil {
			return
		}
		w.fileHashesMu.RLock()
		old, existed := w.fileHashes[ev.Name]
		w.fileHashesMu.RUnlock()
		if existed && old == newHash {
			return
		}
		w.fileHashesMu.Lock()
		w.fileHashes[ev.Name] = newHash
		w.fileHashesMu.Unlock()
		w.handleChange(ev.Name, Modified, size, false)

	case ev.Op&fsnotify.Remove == fsnotify.Remove:
		w.fileHashesMu.Lock()
		delete(w.fileHashes, ev.Name)
		w.fileHashesMu.Unlock()
		if w.rename.handleDelete(ev.Name) {
			// Give a paired Create a chance to arrive before reporting
			// this as a true deletion.
			time.AfterFunc(100*time.Millisecond, func() {
				if w.rename.pendingDeleteFor(ev.Name) {
					w.handleChange(ev.Name, Deleted, 0, false)
				}
			})
			return
		}
		w.handleChange(ev.Name, Deleted, 0, false)
	}
}

// handleChange runs one change through filter classification and into
// either the critical-bypass path or a priority bucket.
func (w *Watcher) handleChange(path string, kind ChangeKind, size int64, fromPoll bool) {
	w.mu.RLock()
	global := w.globalRules
	perPath := w.perPathRule[w.ownerPathLocked(path)]
	defaultPriority := Normal
	watchMask := MaskAll
	if entry := w.entryFor(path); entry != nil {
		defaultPriority = entry.opts.DefaultPriority
		if entry.opts.Mask != 0 {
			watchMask = entry.opts.Mask
		}
	}
	w.mu.RUnlock()

	if watchMask&maskFor(kind) == 0 {
		w.excludedCount.Add(1)
		return
	}

	cls := classify(path, kind, global, perPath, defaultPriority, w.cfg.GlobalDebounce)
	if cls.excluded {
		w.excludedCount.Add(1)
		return
	}

	now := w.cfg.Clock.NowNano()
	ev := FileEvent{
		Path:          path,
		Kind:          kind,
		Priority:      cls.priority,
		TimestampNs:   now,
		Size:          size,
		FSKind:        Local,
		NeedsDebounce: cls.debounce > 0,
	}
	if fromPoll {
		ev.FSKind = Network
	}
	w.eventsByPriority[cls.priority].Add(1)

	if int(cls.priority) <= int(w.cfg.BypassThreshold) {
		w.criticalCount.Add(1)
		if w.cfg.Handlers.OnCriticalChange != nil {
			w.cfg.Handlers.OnCriticalChange(ev)
		}
		id := w.batchID.Next()
		ev.BatchID = id
		batch := ChangeBatch{ID: id, Events: []FileEvent{ev}, FirstEventNs: now, LastEventNs: now, HighestPriority: cls.priority}
		w.publish(batch)
		return
	}

	if ready, ok := w.buckets[cls.priority].add(ev, w.batchID); ok {
		w.publish(ready)
	}
}

func (w *Watcher) entryFor(path string) *watchEntry {
	var best *watchEntry
	bestLen := -1
	for root, entry := range w.watches {
		if len(root) > bestLen && (path == root || isSubPath(root, path)) {
			best = entry
			bestLen = len(root)
		}
	}
	return best
}

func (w *Watcher) ownerPathLocked(path string) string {
	if e := w.entryFor(path); e != nil {
		return e.opts.Path
	}
	return ""
}

func isSubPath(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !filepath.IsAbs(rel) && len(rel) > 0 && rel[0] != '.'
}

func (w *Watcher) publish(b ChangeBatch) {
	w.batchesDoneCount.Add(1)
	w.debouncedCount.Add(uint64(len(b.Events)))
	w.queue.Push(b)
	if w.cfg.Handlers.OnBatchReady != nil {
		w.cfg.Handlers.OnBatchReady(b)
	}
}

// flushLoop periodically closes buckets whose debounce/timeout window
// has elapsed.
func (w *Watcher) flushLoop() {
	interval := w.cfg.GlobalDebounce
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.paused.Load() {
				continue
			}
			now := w.cfg.Clock.NowNano()
			for _, b := range w.buckets {
				if ready, ok := b.flushIfReady(now, false); ok {
					w.publish(ready)
				}
			}
		}
	}
}

// pollNetworkPaths polls watched roots registered with FSKind Network
// or Remote, since fsnotify has no reliable backend for them.
func (w *Watcher) pollNetworkPaths() {
	ticker := time.NewTicker(w.cfg.NetworkPollPeriod)
	defer ticker.Stop()
	connected := make(map[string]bool)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.RLock()
			roots := make([]*watchEntry, 0, len(w.watches))
			for _, e := range w.watches {
				if e.opts.FSKind != Local {
					roots = append(roots, e)
				}
			}
			w.mu.RUnlock()

			for _, entry := range roots {
				err := filepath.Walk(entry.opts.Path, func(p string, info os.FileInfo, err error) error {
					if err != nil || info.IsDir() {
						return nil
					}
					hash, herr := clock.HashFile(p)
					if herr != nil {
						return nil
					}
					w.fileHashesMu.RLock()
					old, existed := w.fileHashes[p]
					w.fileHashesMu.RUnlock()
					if !existed {
						w.fileHashesMu.Lock()
						w.fileHashes[p] = hash
						w.fileHashesMu.Unlock()
						w.handleChange(p, Created, info.Size(), true)
					} else if old != hash {
						w.fileHashesMu.Lock()
						w.fileHashes[p] = hash
						w.fileHashesMu.Unlock()
						w.handleChange(p, Modified, info.Size(), true)
					}
					return nil
				})
				wasConnected := connected[entry.opts.Path]
				nowConnected := err == nil
				if nowConnected != wasConnected {
					connected[entry.opts.Path] = nowConnected
					if w.cfg.Handlers.OnNetworkStatus != nil {
						w.cfg.Handlers.OnNetworkStatus(entry.opts.Path, nowConnected)
					}
				}
			}
		}
	}
}
