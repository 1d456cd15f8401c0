// Package percpu implements the Per-CPU Area entity from spec.md §3:
// a cache-line aligned structure owned exclusively by one core. On
// real hardware each core reaches its own Area in O(1) via a
// dedicated segment-base register (GS on x86-64) rather than an
// indexed lookup table, per spec.md §9's "source patterns" note and
// the arch.CPU/LAPIC-per-core split in
// _examples/other_examples/...usbarmory-tamago__amd64-smp.go.go. This
// package models that contract as a fixed-size array whose production
// accessor is backed by the segment base (arch.CurrentCoreID, wired
// in cmd/kernel) and whose test accessor is an explicit core id, since
// a portable `go test` binary has no segment-base register to read.
package percpu

import "sync/atomic"

// MaxCores bounds the per-CPU area table; spec.md §5 caps true
// parallelism at 16 cores.
const MaxCores = 16

// Priority mirrors spec.md §3's {High, Normal, Low} task priority, and
// lives here (rather than in sched) because the runqueue bitmap below
// is keyed on it and percpu must not import sched (sched owns the
// scheduling algorithm, percpu owns the data it runs over — matching
// the teacher's layering of mem vs vm vs kernel).
type Priority int

const (
	High Priority = iota
	Normal
	Low
	numPriorities
)

// TaskID identifies a task without percpu needing to import proc
// (which would create an import cycle, since proc's TCB records a
// percpu-adjacent "currently running" id).
type TaskID uint64

// Area is one core's exclusively-owned state: core id, the firmware
// interrupt-controller (APIC) id, the runqueue, the currently running
// and idle task ids, the calibrated timer frequency, the tick
// counter, and the in-interrupt flag — the exact field list from
// spec.md §3.
type Area struct {
	CoreID       int
	APICID       uint32
	TimerHz      uint64
	Tick         atomic.Uint64
	InInterrupt  atomic.Bool
	Running      atomic.Uint64 // TaskID, or 0 if none
	Idle         TaskID

	// PreemptDisable implements spec.md §4.4's preempt_disable_count:
	// nested disable/enable, refusing to schedule on interrupt exit
	// while non-zero.
	PreemptDisable atomic.Int32

	ready    [numPriorities][]TaskID
	readyBit uint8 // bitmap, one bit per non-empty priority queue
	sleeping []sleepEntry

	Lock SpinLock
}

// SpinLock is implemented in arch/x86_64; percpu re-declares the
// interface it needs to avoid a hard dependency on the arch package
// from this portable data-structure layer, mirroring how gopheros
// keeps kernel/mem free of hal-specific imports.
type SpinLock interface {
	Lock()
	Unlock()
}

type noopLock struct{}

func (noopLock) Lock()   {}
func (noopLock) Unlock() {}

type sleepEntry struct {
	task     TaskID
	wakeTick uint64
}

// NewArea constructs an Area with a working (non-nil) lock; production
// wires Lock to an *x86_64.SpinLock, tests may leave it as the no-op
// default.
func NewArea(coreID int, apicID uint32) *Area {
	return &Area{CoreID: coreID, APICID: apicID, Lock: noopLock{}}
}

// Enqueue adds a task to the ready queue for the given priority,
// FIFO, and sets the corresponding readyBit — spec.md §4.4's "bitmap
// with one bit per non-empty priority queue makes 'pick highest-
// priority ready task' O(1)".
func (a *Area) Enqueue(p Priority, t TaskID) {
	a.ready[p] = append(a.ready[p], t)
	a.readyBit |= 1 << uint(p)
}

// Dequeue removes and returns the FIFO head of priority p's ready
// queue.
func (a *Area) Dequeue(p Priority) (TaskID, bool) {
	q := a.ready[p]
	if len(q) == 0 {
		return 0, false
	}
	t := q[0]
	a.ready[p] = q[1:]
	if len(a.ready[p]) == 0 {
		a.readyBit &^= 1 << uint(p)
	}
	return t, true
}

// HighestReady returns the highest (numerically lowest) non-empty
// priority, if any.
func (a *Area) HighestReady() (Priority, bool) {
	for p := High; p < numPriorities; p++ {
		if a.readyBit&(1<<uint(p)) != 0 {
			return p, true
		}
	}
	return 0, false
}

// ReadyLen returns the number of ready tasks at priority p, for load
// balancing decisions.
func (a *Area) ReadyLen(p Priority) int { return len(a.ready[p]) }

// TotalReady returns the ready-queue length across all priorities, the
// figure spec.md §4.4's load-balancing policy compares across cores.
func (a *Area) TotalReady() int {
	n := 0
	for p := High; p < numPriorities; p++ {
		n += len(a.ready[p])
	}
	return n
}

// RemoveLowestPriority dequeues one task of the lowest non-empty
// priority for migration, per spec.md §4.4: "dequeue the lowest-
// priority ready task from the source".
func (a *Area) RemoveLowestPriority() (TaskID, Priority, bool) {
	for p := Low; p >= High; p-- {
		if t, ok := a.Dequeue(p); ok {
			return t, p, true
		}
	}
	return 0, 0, false
}

// Sleep records a task as sleeping until wakeTick, kept sorted by
// wake-tick (spec.md §3: "a list of sleeping tasks sorted by wake-
// tick").
func (a *Area) Sleep(t TaskID, wakeTick uint64) {
	e := sleepEntry{task: t, wakeTick: wakeTick}
	i := 0
	for ; i < len(a.sleeping); i++ {
		if a.sleeping[i].wakeTick > wakeTick {
			break
		}
	}
	a.sleeping = append(a.sleeping, sleepEntry{})
	copy(a.sleeping[i+1:], a.sleeping[i:])
	a.sleeping[i] = e
}

// WakeDue moves every sleeping task whose wake-tick has arrived out of
// the sleeping list and returns them, for the caller to enqueue as
// Ready — spec.md §4.4's scheduling-decision first step.
func (a *Area) WakeDue(nowTick uint64) []TaskID {
	i := 0
	for ; i < len(a.sleeping); i++ {
		if a.sleeping[i].wakeTick > nowTick {
			break
		}
	}
	due := make([]TaskID, i)
	for j := 0; j < i; j++ {
		due[j] = a.sleeping[j].task
	}
	a.sleeping = a.sleeping[i:]
	return due
}

// SleepingLen reports how many tasks are currently sleeping on this
// core, for /proc reporting and invariant checks.
func (a *Area) SleepingLen() int { return len(a.sleeping) }
