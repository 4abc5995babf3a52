package watcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrunkOnJava/citygame-hmr/internal/clock"
)

func TestClassify_FirstMatchWins(t *testing.T) {
	global := []FilterRule{
		NewGlobRule("*.log", MaskAll, Low, true),
		NewGlobRule("*.lock", MaskAll, Critical, true),
	}
	cls := classify("project.lock", Modified, global, nil, Normal, 50*time.Millisecond)
	assert.Equal(t, Critical, cls.priority)
}

func TestClassify_ExcludeRuleDropsEvent(t *testing.T) {
	global := []FilterRule{NewGlobRule("*.tmp", MaskAll, Normal, false)}
	cls := classify("scratch.tmp", Modified, global, nil, Normal, 50*time.Millisecond)
	assert.True(t, cls.excluded)
}

func TestClassify_PerPathRuleBeatsGlobal(t *testing.T) {
	global := []FilterRule{NewGlobRule("*.c", MaskAll, Low, true)}
	perPath := []FilterRule{NewGlobRule("*.c", MaskAll, High, true)}
	cls := classify("main.c", Modified, global, perPath, Normal, 50*time.Millisecond)
	assert.Equal(t, High, cls.priority)
}

func TestClassify_DefaultsWhenNoRuleMatches(t *testing.T) {
	cls := classify("main.go", Modified, nil, nil, Normal, 50*time.Millisecond)
	assert.Equal(t, Normal, cls.priority)
	assert.False(t, cls.excluded)
}

func TestBucket_ClosesAtMaxSize(t *testing.T) {
	c := clock.NewManualClock()
	b := newBucket(Normal, 50*time.Millisecond, 250*time.Millisecond, 3)
	ids := clock.NewIDAllocator()

	ev := func() FileEvent { return FileEvent{Path: "a", TimestampNs: c.NowNano()} }
	_, ready := b.add(ev(), ids)
	assert.False(t, ready)
	_, ready = b.add(ev(), ids)
	assert.False(t, ready)
	batch, ready := b.add(ev(), ids)
	assert.True(t, ready)
	assert.Len(t, batch.Events, 3)
}

func TestBucket_FlushesAfterDebounce(t *testing.T) {
	c := clock.NewManualClock()
	b := newBucket(Normal, 50*time.Millisecond, 5*time.Second, 256)
	ids := clock.NewIDAllocator()

	b.add(FileEvent{Path: "a", TimestampNs: c.NowNano()}, ids)
	_, ready := b.flushIfReady(c.NowNano(), false)
	assert.False(t, ready, "debounce window has not elapsed yet")

	c.Advance(60 * time.Millisecond)
	batch, ready := b.flushIfReady(c.NowNano(), false)
	assert.True(t, ready)
	assert.Len(t, batch.Events, 1)
}

func TestBatchQueue_PriorityOrderingAndOverflow(t *testing.T) {
	q := newBatchQueue(1)
	q.Push(ChangeBatch{ID: 1, HighestPriority: Low})
	q.Push(ChangeBatch{ID: 2, HighestPriority: Low}) // overflows Low lane, drops ID 1
	q.Push(ChangeBatch{ID: 3, HighestPriority: Critical})

	b, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, uint64(3), b.ID, "critical lane drains before lower-priority lanes")

	b, ok = q.TryPop()
	require.True(t, ok)
	assert.Equal(t, uint64(2), b.ID, "oldest Low batch was dropped by overflow")

	assert.Equal(t, uint64(1), q.Dropped())
}

func TestWatcher_SimulateChangeProducesBatch(t *testing.T) {
	c := clock.NewManualClock()
	var mu sync.Mutex
	var batches []ChangeBatch

	w := New(Config{
		Clock:          c,
		GlobalDebounce: 10 * time.Millisecond,
		BatchTimeout:   time.Second,
		MaxBatchSize:   256,
		Handlers: Handlers{
			OnBatchReady: func(b ChangeBatch) {
				mu.Lock()
				batches = append(batches, b)
				mu.Unlock()
			},
		},
	})

	w.SimulateChange("/src/main.c", Modified, 128)
	w.ForceBatchProcessing()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1)
	assert.Equal(t, "/src/main.c", batches[0].Events[0].Path)
}

func TestWatcher_CriticalBypassSkipsBatching(t *testing.T) {
	c := clock.NewManualClock()
	var criticalSeen []FileEvent
	var batchesSeen int

	w := New(Config{
		Clock:           c,
		BypassThreshold: Critical,
		Handlers: Handlers{
			OnCriticalChange: func(ev FileEvent) { criticalSeen = append(criticalSeen, ev) },
			OnBatchReady:     func(ChangeBatch) { batchesSeen++ },
		},
	})
	w.AddFilterRule(NewGlobRule("*.lock", MaskAll, Critical, true))
	w.SimulateChange("project.lock", Modified, 4)

	require.Len(t, criticalSeen, 1)
	assert.Equal(t, "project.lock", criticalSeen[0].Path)
	assert.Equal(t, 1, batchesSeen, "the critical bypass still publishes its own size-1 batch")
}

func TestWatcher_AddWatchPathRejectsDuplicate(t *testing.T) {
	w := New(Config{})
	require.NoError(t, w.AddWatchPath(WatchOptions{Path: "/src"}))
	err := w.AddWatchPath(WatchOptions{Path: "/src"})
	assert.Error(t, err)
}

func TestRenameTracker_PairsDeleteAndCreate(t *testing.T) {
	rt := newRenameTracker(100 * time.Millisecond)
	defer rt.Close()

	rt.inodeToPath[42] = "/src/old.c"
	rt.pathToInode["/src/old.c"] = 42
	require.True(t, rt.handleDelete("/src/old.c"))
	assert.True(t, rt.pendingDeleteFor("/src/old.c"))
}

func TestWatcher_AddThenRemoveWatchIsNoOp(t *testing.T) {
	w := New(Config{})
	require.NoError(t, w.AddWatchPath(WatchOptions{Path: "/src"}))
	require.NoError(t, w.RemoveWatchPath("/src"))

	// The path is free to be watched again.
	require.NoError(t, w.AddWatchPath(WatchOptions{Path: "/src"}))
}

func TestWatcher_RemoveUnknownWatchReturnsNotFound(t *testing.T) {
	w := New(Config{})
	err := w.RemoveWatchPath("/nope")
	assert.Error(t, err)
}

func TestWatcher_PauseDefersBatchDeliveryUntilResume(t *testing.T) {
	c := clock.NewManualClock()
	w := New(Config{
		Clock:          c,
		GlobalDebounce: 10 * time.Millisecond,
		BatchTimeout:   time.Second,
	})

	w.Pause()
	w.SimulateChange("/src/main.c", Modified, 64)
	c.Advance(20 * time.Millisecond)

	_, ok := w.TryNextBatch()
	assert.False(t, ok, "paused watcher holds events in their buckets")

	w.Resume()
	w.ForceBatchProcessing()
	batch, ok := w.TryNextBatch()
	require.True(t, ok)
	assert.Equal(t, "/src/main.c", batch.Events[0].Path)
}

func TestWatcher_WatchMaskFiltersUnmatchedKinds(t *testing.T) {
	c := clock.NewManualClock()
	w := New(Config{Clock: c})
	require.NoError(t, w.AddWatchPath(WatchOptions{
		Path: "/src",
		Mask: MaskModified,
	}))

	w.SimulateChange("/src/main.c", Attribute, 0)
	w.ForceBatchProcessing()
	_, ok := w.TryNextBatch()
	assert.False(t, ok, "attribute changes are outside the watch mask")
	assert.Equal(t, uint64(1), w.Stats().ExcludedCount)

	w.SimulateChange("/src/main.c", Modified, 32)
	w.ForceBatchProcessing()
	batch, ok := w.TryNextBatch()
	require.True(t, ok)
	assert.Equal(t, Modified, batch.Events[0].Kind)
}
