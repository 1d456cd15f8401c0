// Package heap implements the kernel's buddy allocator: spec.md §4.3.
// No example repo in the pack carries a buddy allocator verbatim, so
// this is grounded on the split/merge discipline both Biscuit's
// physical-page free lists (_examples/.../dmap.go's pgtracker_t /
// Physmem refcounting) and gopheros's pmm buddy-style free lists
// describe in spirit, adapted to the power-of-two block range
// spec.md's Heap Block entity names (64 B – 1 MiB).
package heap

import (
	"sync"

	"github.com/mello-os/kernel/internal/kerrno"
)

const (
	minOrder    = 6  // 64 B
	maxOrder    = 20 // 1 MiB
	numOrders   = maxOrder - minOrder + 1
	minBlockSz  = 1 << minOrder
	maxBlockSz  = 1 << maxOrder
)

// block is one node in an order's free list, represented as an offset
// into the heap's backing storage. The teacher's and pack's kernels
// all eventually bottom out in a byte slice; this type stays storage-
// agnostic so both a real MMIO-backed byte slice and a test []byte
// satisfy it identically.
type block struct {
	offset int
	next   *block
}

// Heap is a single buddy allocator instance over a fixed-size backing
// region. spec.md §4.3: "serialized by a single spinlock"; Go's
// sync.Mutex plays that role here, matching the teacher's use of plain
// mutexes for non-IRQ-context kernel data structures.
type Heap struct {
	mu sync.Mutex

	backing []byte
	free    [numOrders]*block
	// orderOf tracks, for every allocated block, the order it was
	// allocated at, so Free can find the right free list without the
	// caller having to pass the exact original size back (the caller
	// does pass size, but rounding happens on both sides and must
	// agree — this is the source of truth).
	orderOf map[int]int
}

// New creates a Heap over a zeroed backing buffer of size bytes, which
// must be a power of two no larger than 1<<maxOrder multiplied by a
// power of two (the initial heap is "entirely represented as one free
// block of the maximum order plus runtime splits", spec.md §4.3, so
// size is normally a multiple of maxBlockSz).
func New(size int) *Heap {
	h := &Heap{
		backing: make([]byte, size),
		orderOf: make(map[int]int),
	}
	for off := 0; off+maxBlockSz <= size; off += maxBlockSz {
		h.pushFree(maxOrder, off)
	}
	return h
}

func orderFor(size int) int {
	if size <= 0 {
		return -1
	}
	o := minOrder
	sz := minBlockSz
	for sz < size {
		sz <<= 1
		o++
	}
	return o
}

func (h *Heap) pushFree(order, offset int) {
	h.free[order-minOrder] = &block{offset: offset, next: h.free[order-minOrder]}
}

func (h *Heap) popFree(order int) (int, bool) {
	b := h.free[order-minOrder]
	if b == nil {
		return 0, false
	}
	h.free[order-minOrder] = b.next
	return b.offset, true
}

func (h *Heap) removeFree(order, offset int) bool {
	idx := order - minOrder
	var prev *block
	for b := h.free[idx]; b != nil; b = b.next {
		if b.offset == offset {
			if prev == nil {
				h.free[idx] = b.next
			} else {
				prev.next = b.next
			}
			return true
		}
		prev = b
	}
	return false
}

func buddyOf(offset, order int) int {
	return offset ^ (1 << order)
}

// Alloc rounds size up to the next power of two in [64 B, 1 MiB],
// splits the smallest free block of adequate order, zeroes the
// result, and returns its offset into the backing region. Requests
// larger than 1 MiB or of size 0 return OutOfMemory, per spec.md
// §4.3/§8's boundary behaviors.
func (h *Heap) Alloc(size int) (int, error) {
	order := orderFor(size)
	if order < 0 || order > maxOrder {
		return 0, kerrno.OutOfMemory
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	off, ok := h.allocOrder(order)
	if !ok {
		return 0, kerrno.OutOfMemory
	}
	h.orderOf[off] = order
	for i := off; i < off+(1<<order); i++ {
		h.backing[i] = 0
	}
	return off, nil
}

// allocOrder finds the smallest free block of order >= want,
// splitting down to exactly want, climbing one order at a time
// (O(log N) in the number of orders, per spec.md §4.3).
func (h *Heap) allocOrder(want int) (int, bool) {
	for order := want; order <= maxOrder; order++ {
		off, ok := h.popFree(order)
		if !ok {
			continue
		}
		// split back down to `want`, pushing the unused buddy halves
		// onto their own free lists.
		for order > want {
			order--
			buddy := off + (1 << order)
			h.pushFree(order, buddy)
		}
		return off, true
	}
	return 0, false
}

// Free inserts the block at offset (originally allocated for size
// bytes) back into the matching free list, merging with its buddy iff
// the buddy is free and of the same order. size must match what was
// passed to Alloc (the caller's responsibility, matching every pack
// kernel's alloc/free(ptr, size) convention rather than a hosted
// malloc's implicit bookkeeping).
func (h *Heap) Free(offset, size int) {
	order := orderFor(size)

	h.mu.Lock()
	defer h.mu.Unlock()

	got, ok := h.orderOf[offset]
	if !ok || got != order {
		panic("heap: free of unknown or mismatched block")
	}
	delete(h.orderOf, offset)

	for order < maxOrder {
		buddy := buddyOf(offset, order)
		if !h.removeFree(order, buddy) {
			break
		}
		if buddy < offset {
			offset = buddy
		}
		order++
	}
	h.pushFree(order, offset)
}

// Bytes returns the slice backing an allocation at offset for size
// bytes, for callers that want direct access (the kernel heap itself
// is the backing store for kmalloc-style callers).
func (h *Heap) Bytes(offset, size int) []byte {
	return h.backing[offset : offset+size]
}

// MaxBlockSize is the largest single allocation the heap will serve.
const MaxBlockSize = maxBlockSz
