// Package paging implements 4-level (PML4 → PDPT → PD → PT) x86-64
// page tables: spec.md §4.2. Grounded on Biscuit's recursive-mapping
// page table walk (_examples/other_examples/...biscuit-src-mem-dmap.go.go
// pgbits/mkpg/caddr) and gopheros's vmm package (walk, pageTableEntry
// flags, the CoW page-fault path in vmm.go), generalized to the
// per-process address space spec.md's Open Questions resolve for
// (SPEC_FULL.md §10: fully isolated per-process page tables).
package paging

import (
	"github.com/mello-os/kernel/internal/kerrno"
)

// Flags mirrors the PTE bit layout spec.md §3 describes: present,
// writable, user, no-execute, global, and a software "copy-on-write"
// bit from the available range.
type Flags uint64

const (
	Present Flags = 1 << iota
	Writable
	User
	Global
	CopyOnWrite
	NoExecute Flags = 1 << 63
)

const (
	entriesPerTable = 512
	pageShift       = 12
	PageSize        = 1 << pageShift
	levelBits       = 9
)

// Frame is a physical frame number (matches pmm.Frame's address
// space; kept as a separate type here so paging has no import-time
// dependency on pmm, matching the teacher's layering where mem/dmap.go
// and vm/as.go are separate packages joined only by the Pa_t type).
type Frame uint64

// PhysMem lets the page-table walker read and mutate table contents
// addressed by physical frame number, standing in for the direct
// physical-memory mapping window spec.md §6 describes. Production
// wires this to the dmap window; tests use an in-memory model.
type PhysMem interface {
	// Table returns a mutable view of the 512 64-bit entries backing
	// frame f. The returned slice aliases the frame's storage.
	Table(f Frame) *[entriesPerTable]uint64
}

// FrameAllocator is the subset of pmm.Manager paging needs: zeroed
// frames for new intermediate table levels.
type FrameAllocator interface {
	AllocFrame() (Frame, error)
	FreeFrame(f Frame)
}

// AddressSpace is one process's (or the kernel's) 4-level page table
// root, per spec.md §3's "page tables rooted per address space".
type AddressSpace struct {
	pml4  Frame
	phys  PhysMem
	alloc FrameAllocator
}

// New creates an address space rooted at a freshly allocated,
// zeroed PML4.
func New(phys PhysMem, alloc FrameAllocator) (*AddressSpace, error) {
	root, err := alloc.AllocFrame()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{pml4: root, phys: phys, alloc: alloc}, nil
}

// Root returns the PML4 physical frame, for loading into CR3.
func (as *AddressSpace) Root() Frame { return as.pml4 }

func indices(virt uintptr) (l4, l3, l2, l1 int) {
	v := uint64(virt)
	l4 = int((v >> (pageShift + 3*levelBits)) & 0x1ff)
	l3 = int((v >> (pageShift + 2*levelBits)) & 0x1ff)
	l2 = int((v >> (pageShift + 1*levelBits)) & 0x1ff)
	l1 = int((v >> pageShift) & 0x1ff)
	return
}

// walk descends the table, allocating intermediate levels on demand
// iff create is true. It returns the leaf PTE slot or an error; on
// allocation failure, any frames allocated during this call are freed
// so the address space is left unchanged, per spec.md §4.2's failure
// semantics.
func (as *AddressSpace) walk(virt uintptr, create bool) (*uint64, error) {
	var allocated []Frame
	var installed []*uint64
	rollback := func() {
		for _, slot := range installed {
			*slot = 0
		}
		for _, f := range allocated {
			as.alloc.FreeFrame(f)
		}
	}

	l4, l3, l2, l1 := indices(virt)
	idx := []int{l4, l3, l2, l1}

	cur := as.pml4
	for depth, ix := range idx {
		table := as.phys.Table(cur)
		entry := table[ix]

		if depth == len(idx)-1 {
			return &table[ix], nil
		}

		if entry&uint64(Present) == 0 {
			if !create {
				return nil, kerrno.PageNotPresent
			}
			nf, err := as.alloc.AllocFrame()
			if err != nil {
				rollback()
				return nil, kerrno.OutOfMemory
			}
			allocated = append(allocated, nf)
			table[ix] = uint64(nf)<<pageShift | uint64(Present|Writable|User)
			installed = append(installed, &table[ix])
			cur = nf
			continue
		}
		cur = Frame(entry >> pageShift)
	}
	// unreachable: idx always has 4 elements, loop returns at last depth.
	return nil, kerrno.InvalidArgument
}

// Map installs a mapping from virt to phys with the given flags,
// allocating intermediate page-table levels on demand. On failure the
// address space is left unchanged.
func (as *AddressSpace) Map(virt uintptr, phys Frame, flags Flags) error {
	if writable := flags&Writable != 0; writable {
		if noexec := flags&NoExecute != 0; !noexec {
			return kerrno.InvalidArgument // W^X violation, spec.md §3
		}
	}
	pte, err := as.walk(virt, true)
	if err != nil {
		return err
	}
	*pte = uint64(phys)<<pageShift | uint64(flags|Present)
	return nil
}

// Unmap clears the leaf entry. The caller is responsible for issuing
// the TLB-shootdown IPI described in spec.md §4.5/§5; paging itself
// only mutates the table.
func (as *AddressSpace) Unmap(virt uintptr) error {
	pte, err := as.walk(virt, false)
	if err != nil {
		return err
	}
	*pte = 0
	return nil
}

// Translate walks the tree and returns the physical address, or
// PageNotPresent if any level is absent.
func (as *AddressSpace) Translate(virt uintptr) (uintptr, error) {
	pte, err := as.walk(virt, false)
	if err != nil {
		return 0, err
	}
	if *pte&uint64(Present) == 0 {
		return 0, kerrno.PageNotPresent
	}
	phys := (*pte &^ uint64(NoExecute)) >> pageShift << pageShift
	offset := uint64(virt) & (PageSize - 1)
	return uintptr(phys | offset), nil
}

// Entry returns a pointer to the leaf PTE for virt if present, for
// callers (e.g. the CoW fault handler) that need to inspect or mutate
// flags in place without a full Map/Unmap round trip. Mirrors
// gopheros's vmm.walk callback shape.
func (as *AddressSpace) Entry(virt uintptr) (*uint64, error) {
	return as.walk(virt, false)
}

// HasFlags reports whether every bit in want is set in the raw PTE
// word.
func HasFlags(pte uint64, want Flags) bool {
	return pte&uint64(want) == uint64(want)
}

// --- W^X convenience wrappers, spec.md §4.2 ---

// MapCode installs a read+execute, global kernel code mapping.
func (as *AddressSpace) MapCode(virt uintptr, phys Frame, global bool) error {
	f := Flags(Present)
	if global {
		f |= Global
	}
	return as.mapRaw(virt, phys, f)
}

// MapData installs a read+write, NX data mapping.
func (as *AddressSpace) MapData(virt uintptr, phys Frame, global bool) error {
	f := Flags(Present | Writable | NoExecute)
	if global {
		f |= Global
	}
	return as.mapRaw(virt, phys, f)
}

// MapStack installs a read+write, NX mapping for a kernel or user
// stack page.
func (as *AddressSpace) MapStack(virt uintptr, phys Frame, user bool) error {
	f := Flags(Present | Writable | NoExecute)
	if user {
		f |= User
	}
	return as.mapRaw(virt, phys, f)
}

// MapReadonly installs a read-only, NX mapping (e.g. .rodata).
func (as *AddressSpace) MapReadonly(virt uintptr, phys Frame, global bool) error {
	f := Flags(Present | NoExecute)
	if global {
		f |= Global
	}
	return as.mapRaw(virt, phys, f)
}

// mapRaw bypasses the W^X check in Map since these wrappers enforce
// it by construction, per spec.md §4.2.
func (as *AddressSpace) mapRaw(virt uintptr, phys Frame, flags Flags) error {
	pte, err := as.walk(virt, true)
	if err != nil {
		return err
	}
	*pte = uint64(phys)<<pageShift | uint64(flags|Present)
	return nil
}
