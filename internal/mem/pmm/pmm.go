// Package pmm implements the physical memory manager: spec.md §4.1.
// It owns a bitmap with one bit per 4 KiB frame (1 = free, 0 = in
// use), grounded on Biscuit's mem.Physmem frame tracker
// (_examples/justanotherdot-biscuit .../main.go phys_init/pgcount, and
// the bitmap-of-frames shape in
// _examples/other_examples/...biscuit-src-mem-dmap.go.go's
// pgtracker_t) and gopheros's pmm package layout.
package pmm

import (
	"sync"

	"github.com/mello-os/kernel/internal/bootinfo"
	"github.com/mello-os/kernel/internal/kerrno"
)

const (
	// FrameSize is the fixed physical frame size, spec.md §3.
	FrameSize = 4096
	frameShift = 12
)

// Frame is a physical frame number: a frame's 4 KiB-aligned physical
// address shifted right by frameShift.
type Frame uint64

// ZeroFrameFn is invoked to clear frame contents before handing them
// out; production wires this to the direct physical-memory window
// (spec.md §6), tests substitute an in-memory model.
type ZeroFrameFn func(f Frame)

// Manager is the PMM's process-wide state, built by New; cmd/kernel
// constructs a single instance at boot, the counterpart of Biscuit's
// single package-level Physmem. The package has no package-level
// allocation functions.
type Manager struct {
	mu sync.Mutex

	bitmap    []uint64 // 1 = free
	baseFrame Frame    // frame number of bit 0
	nframes   int

	cursor int // next-fit scan cursor, in bits

	zero ZeroFrameFn
}

// New builds a Manager from a validated boot memory map. Every region
// that is not Usable (kernel image, bootloader-claimed regions, early
// page tables, the AP trampoline) is marked in-use before any
// allocation is served, per spec.md §4.1.
func New(info *bootinfo.Info, zero ZeroFrameFn) *Manager {
	var minBase, maxEnd uint64
	first := true
	for _, r := range info.Regions {
		if first || r.Base < minBase {
			minBase = r.Base
		}
		if first || r.End() > maxEnd {
			maxEnd = r.End()
		}
		first = false
	}

	m := &Manager{
		baseFrame: Frame(minBase >> frameShift),
		nframes:   int((maxEnd - minBase) >> frameShift),
		zero:      zero,
	}
	m.bitmap = make([]uint64, (m.nframes+63)/64)

	// start fully reserved; punch in usable holes, then re-reserve
	// anything explicitly marked non-usable (regions may be given in
	// any order).
	for _, r := range info.UsableRegions() {
		m.markRange(r.Base, r.Size, true)
	}
	for _, r := range info.ReservedRegions() {
		m.markRange(r.Base, r.Size, false)
	}

	return m
}

func (m *Manager) markRange(base, size uint64, free bool) {
	startFrame := Frame(base >> frameShift)
	endFrame := Frame((base + size + FrameSize - 1) >> frameShift)
	for f := startFrame; f < endFrame; f++ {
		bit := int(f - m.baseFrame)
		if bit < 0 || bit >= m.nframes {
			continue
		}
		if free {
			m.bitmap[bit/64] |= 1 << uint(bit%64)
		} else {
			m.bitmap[bit/64] &^= 1 << uint(bit%64)
		}
	}
}

func (m *Manager) testBit(bit int) bool {
	return m.bitmap[bit/64]&(1<<uint(bit%64)) != 0
}

func (m *Manager) clearBit(bit int) {
	m.bitmap[bit/64] &^= 1 << uint(bit%64)
}

func (m *Manager) setBit(bit int) {
	m.bitmap[bit/64] |= 1 << uint(bit%64)
}

// AllocFrame returns a zeroed, in-use frame, or OutOfMemory. Scanning
// resumes from a remembered next-fit cursor for amortized O(1)
// allocation, per spec.md §4.1's stated policy.
func (m *Manager) AllocFrame() (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < m.nframes; i++ {
		bit := (m.cursor + i) % m.nframes
		if m.testBit(bit) {
			m.clearBit(bit)
			m.cursor = (bit + 1) % m.nframes
			f := m.baseFrame + Frame(bit)
			if m.zero != nil {
				m.zero(f)
			}
			return f, nil
		}
	}
	return 0, kerrno.OutOfMemory
}

// FreeFrame marks a frame free. Double-free and freeing a frame
// outside the managed range are programming errors; debug builds
// assert via panic, matching spec.md §4.1's "must at minimum assert
// in debug builds".
func (m *Manager) FreeFrame(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bit := int(f - m.baseFrame)
	if bit < 0 || bit >= m.nframes {
		panic("pmm: free of frame outside managed range")
	}
	if m.testBit(bit) {
		panic("pmm: double free")
	}
	m.setBit(bit)
}

// AllocContiguous returns a contiguous run of count frames whose base
// satisfies alignment (a power of two, in frames), all zeroed. O(N)
// scan, per spec.md §4.1.
func (m *Manager) AllocContiguous(count int, alignment int) (Frame, error) {
	if count <= 0 {
		return 0, kerrno.InvalidArgument
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return 0, kerrno.InvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for start := 0; start+count <= m.nframes; start++ {
		base := m.baseFrame + Frame(start)
		if int(base)%alignment != 0 {
			continue
		}
		ok := true
		for j := 0; j < count; j++ {
			if !m.testBit(start + j) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for j := 0; j < count; j++ {
			m.clearBit(start + j)
		}
		if m.zero != nil {
			for j := 0; j < count; j++ {
				m.zero(base + Frame(j))
			}
		}
		return base, nil
	}
	return 0, kerrno.OutOfMemory
}

// FreeFrames returns the number of free frames, for /proc reporting.
func (m *Manager) FreeFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for bit := 0; bit < m.nframes; bit++ {
		if m.testBit(bit) {
			n++
		}
	}
	return n
}

// TotalFrames returns the size of the managed frame range, including
// reserved frames.
func (m *Manager) TotalFrames() int {
	return m.nframes
}
