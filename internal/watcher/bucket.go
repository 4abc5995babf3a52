package watcher

import (
	"sync"
	"time"

	"github.com/DrunkOnJava/citygame-hmr/internal/clock"
)

// bucket accumulates events for a single priority level until the batch
// becomes ready: ready when the debounce window elapses since the last
// event, the batch hits maxSize, or the batch timeout elapses since the
// first event.
type bucket struct {
	mu       sync.Mutex
	priority Priority
	debounce time.Duration
	timeout  time.Duration
	maxSize  int

	current *ChangeBatch
}

func newBucket(priority Priority, debounce, timeout time.Duration, maxSize int) *bucket {
	return &bucket{priority: priority, debounce: debounce, timeout: timeout, maxSize: maxSize}
}

// add inserts an event into the open batch, allocating a new batch (with
// a fresh ID) if none is open. It returns the batch if inserting the
// event makes it immediately ready (max size reached), else ok=false.
func (b *bucket) add(ev FileEvent, ids *clock.IDAllocator) (ChangeBatch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		id := ids.Next()
		ev.BatchID = id
		b.current = &ChangeBatch{
			ID:              id,
			FirstEventNs:    ev.TimestampNs,
			LastEventNs:     ev.TimestampNs,
			HighestPriority: b.priority,
		}
	} else {
		ev.BatchID = b.current.ID
	}
	b.current.Events = append(b.current.Events, ev)
	b.current.LastEventNs = ev.TimestampNs
	if ev.Priority < b.current.HighestPriority {
		b.current.HighestPriority = ev.Priority
	}

	if len(b.current.Events) >= b.maxSize {
		ready := *b.current
		b.current = nil
		return ready, true
	}
	return ChangeBatch{}, false
}

// flushIfReady closes the open batch if its debounce or timeout window
// has elapsed, relative to now. Returns ok=false if nothing is ready.
func (b *bucket) flushIfReady(now int64, force bool) (ChangeBatch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return ChangeBatch{}, false
	}
	elapsedSinceLast := time.Duration(now - b.current.LastEventNs)
	elapsedSinceFirst := time.Duration(now - b.current.FirstEventNs)
	if force || elapsedSinceLast >= b.debounce || elapsedSinceFirst >= b.timeout {
		ready := *b.current
		b.current = nil
		return ready, true
	}
	return ChangeBatch{}, false
}
