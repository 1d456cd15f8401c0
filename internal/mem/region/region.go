// Package region implements the per-task memory-region record from
// spec.md §3: non-overlapping {start, length, permission, backing
// kind} records describing a task's address space, grounded on
// Biscuit's Vmregion_t (referenced from vm.Vm_t in
// _examples/other_examples/...biscuit-src-vm-as.go.go).
package region

import (
	"sort"

	"github.com/mello-os/kernel/internal/kerrno"
)

// Perm is the region's access permission bitset.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
)

// Backing distinguishes anonymous memory from (future) file-backed
// regions, per spec.md §3.
type Backing int

const (
	Anonymous Backing = iota
	FileBacked
)

// Region is one memory-region record.
type Region struct {
	Start   uintptr
	Length  uintptr
	Perm    Perm
	Backing Backing
}

func (r Region) End() uintptr { return r.Start + r.Length }

func (r Region) overlaps(o Region) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// Table tracks one task's memory regions, keeping the non-overlapping
// invariant from spec.md §3.
type Table struct {
	regions []Region
}

// Insert adds a new region, rejecting it if it overlaps an existing
// one.
func (t *Table) Insert(r Region) error {
	for _, existing := range t.regions {
		if existing.overlaps(r) {
			return kerrno.AlreadyExists
		}
	}
	t.regions = append(t.regions, r)
	sort.Slice(t.regions, func(i, j int) bool { return t.regions[i].Start < t.regions[j].Start })
	return nil
}

// Lookup returns the region containing addr, if any.
func (t *Table) Lookup(addr uintptr) (Region, bool) {
	for _, r := range t.regions {
		if addr >= r.Start && addr < r.End() {
			return r, true
		}
	}
	return Region{}, false
}

// Remove deletes the region beginning exactly at start. The caller
// (the vm subsystem) is responsible for clearing the corresponding
// page-table entries and scheduling a TLB shootdown, per spec.md §3's
// memory-region invariant; Table only tracks bookkeeping.
func (t *Table) Remove(start uintptr) bool {
	for i, r := range t.regions {
		if r.Start == start {
			t.regions = append(t.regions[:i], t.regions[i+1:]...)
			return true
		}
	}
	return false
}

// All returns a copy of the current region list, sorted by start
// address.
func (t *Table) All() []Region {
	out := make([]Region, len(t.regions))
	copy(out, t.regions)
	return out
}

// Clone deep-copies the region table, used by fork to give the child
// its own (initially identical) region bookkeeping while the
// underlying page tables are handled by the CoW path in vm.
func (t *Table) Clone() *Table {
	out := &Table{regions: make([]Region, len(t.regions))}
	copy(out.regions, t.regions)
	return out
}
