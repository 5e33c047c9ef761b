package jmux

import "container/heap"

// idHeap is a min-heap of freed ids, used so idAllocator can always hand out
// the lowest unused id in O(log n), the same technique smux's shaperLoop uses
// container/heap for prioritizing write requests.
type idHeap []uint32

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(uint32)) }
func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// idAllocator hands out unique, recyclable 32-bit channel ids. It always
// allocates the lowest currently-unused id: ids below the high-water mark
// that have been freed live in a min-heap; ids at or above the mark are
// handed out by simple increment. Both operations are O(log n).
type idAllocator struct {
	freed     idHeap
	watermark uint64 // next never-yet-allocated id; 64 bits to detect exhaustion of the 32-bit namespace
}

func newIDAllocator() *idAllocator {
	return &idAllocator{}
}

// alloc returns the lowest unused id, or ok == false if the 32-bit namespace
// is exhausted (practically unreachable, but required for correctness).
func (a *idAllocator) alloc() (id uint32, ok bool) {
	if len(a.freed) > 0 {
		return heap.Pop(&a.freed).(uint32), true
	}
	if a.watermark > uint64(^uint32(0)) {
		return 0, false
	}
	id = uint32(a.watermark)
	a.watermark++
	return id, true
}

// free releases id for future reuse. Freeing an id that was never allocated,
// or is already free, is a caller bug but is tolerated here: the allocator
// has no way to distinguish "double free" from "never allocated" without
// tracking every outstanding id, which is the channel table's job, not
// this one's.
func (a *idAllocator) free(id uint32) {
	heap.Push(&a.freed, id)
}
