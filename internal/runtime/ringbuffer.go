// Package runtime implements the Runtime Dispatcher: on
// the frame thread, it drains pending reload requests within a bounded
// per-frame time slice while the simulation runs.
package runtime

import (
	"sync/atomic"

	"github.com/DrunkOnJava/citygame-hmr/internal/buildopt"
)

// ReloadRingBuffer is the fixed-capacity SPSC ring buffer the
// optimizer's completion worker (producer) and the frame thread
// (consumer) hand reload requests through. Overflow drops the oldest
// not-yet-consumed request rather than blocking the producer.
type ReloadRingBuffer struct {
	slots    []buildopt.ReloadRequest
	capacity uint64

	head    atomic.Uint64 // next write index (producer-owned)
	tail    atomic.Uint64 // next read index (consumer-owned)
	dropped atomic.Uint64
}

// NewReloadRingBuffer constructs a ring buffer of the given capacity.
func NewReloadRingBuffer(capacity int) *ReloadRingBuffer {
	if capacity <= 0 {
		capacity = 32
	}
	return &ReloadRingBuffer{
		slots:    make([]buildopt.ReloadRequest, capacity),
		capacity: uint64(capacity),
	}
}

// Push enqueues a reload request. On overflow it drops the oldest
// not-yet-consumed request and increments a counter.
func (rb *ReloadRingBuffer) Push(req buildopt.ReloadRequest) {
	head := rb.head.Load()
	tail := rb.tail.Load()
	if head-tail >= rb.capacity {
		// Full: advance tail to drop the oldest slot before writing.
		rb.tail.CompareAndSwap(tail, tail+1)
		rb.dropped.Add(1)
	}
	rb.slots[head%rb.capacity] = req
	rb.head.Add(1)
}

// Pop dequeues the oldest pending request. ok is false if the queue is
// empty.
func (rb *ReloadRingBuffer) Pop() (buildopt.ReloadRequest, bool) {
	tail := rb.tail.Load()
	head := rb.head.Load()
	if tail >= head {
		return buildopt.ReloadRequest{}, false
	}
	req := rb.slots[tail%rb.capacity]
	rb.tail.Add(1)
	return req, true
}

// Len reports the number of currently pending requests.
func (rb *ReloadRingBuffer) Len() int {
	head := rb.head.Load()
	tail := rb.tail.Load()
	if head <= tail {
		return 0
	}
	return int(head - tail)
}

// Dropped returns the overflow counter.
func (rb *ReloadRingBuffer) Dropped() uint64 {
	return rb.dropped.Load()
}
