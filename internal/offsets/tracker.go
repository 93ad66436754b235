// Package offsets tracks outstanding log offsets per partition and derives
// the highest offset that is safe to commit.
package offsets

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/jittakal/kaftraffic/internal/errors"
)

type offsetHeap []int64

func (h offsetHeap) Len() int           { return len(h) }
func (h offsetHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h offsetHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *offsetHeap) Push(x any) { *h = append(*h, x.(int64)) }

func (h *offsetHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Tracker keeps the offsets of one partition that have been handed out but
// not yet completed. Completion may happen in any order.
type Tracker struct {
	mu            sync.Mutex
	generation    int64
	outstanding   offsetHeap
	positions     map[int64]struct{}
	done          map[int64]struct{}
	highWaterMark int64
}

// NewTracker creates a tracker owned by the given consumer generation.
func NewTracker(generation int64) *Tracker {
	return &Tracker{
		generation:    generation,
		positions:     make(map[int64]struct{}),
		done:          make(map[int64]struct{}),
		highWaterMark: -1,
	}
}

// Generation returns the consumer generation that created the tracker.
func (t *Tracker) Generation() int64 {
	return t.generation
}

// Add registers offset as outstanding.
func (t *Tracker) Add(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.positions[offset]; ok {
		return
	}
	t.positions[offset] = struct{}{}
	heap.Push(&t.outstanding, offset)
	if offset > t.highWaterMark {
		t.highWaterMark = offset
	}
}

// MarkDone completes offset. When the completion advances the commit
// watermark it returns the new safe commit offset and true: the smallest
// still-outstanding offset, or the high-water mark plus one when nothing is
// outstanding. Completing an offset that is not outstanding fails with
// ErrUnknownOffset.
func (t *Tracker) MarkDone(offset int64) (int64, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.positions[offset]; !ok {
		return 0, false, fmt.Errorf("%w: %d", errors.ErrUnknownOffset, offset)
	}
	delete(t.positions, offset)

	if t.outstanding[0] != offset {
		// Removed lazily once it reaches the top.
		t.done[offset] = struct{}{}
		return 0, false, nil
	}

	heap.Pop(&t.outstanding)
	for t.outstanding.Len() > 0 {
		top := t.outstanding[0]
		if _, ok := t.done[top]; !ok {
			break
		}
		delete(t.done, top)
		heap.Pop(&t.outstanding)
	}

	if t.outstanding.Len() > 0 {
		return t.outstanding[0], true, nil
	}
	return t.highWaterMark + 1, true, nil
}

// Size returns the number of outstanding offsets.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}

// HighWaterMark returns the largest offset ever added, or -1.
func (t *Tracker) HighWaterMark() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highWaterMark
}
