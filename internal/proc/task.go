// Package proc implements the Task Control Block from spec.md §3 and
// its lifecycle state machine from spec.md §4.4. Grounded on Biscuit's
// common.Proc_t/proc_new (_examples/.../main.go) generalized into a
// single-threaded-per-task model matching spec.md's TCB (one kernel
// stack, one context, per spec.md's data model — Biscuit's Proc_t is
// multi-threaded, but the thread-level TCB fields it carries per
// thread map directly onto spec.md's single-threaded Task).
package proc

import (
	"sync"
	"sync/atomic"

	"github.com/mello-os/kernel/internal/fd"
	"github.com/mello-os/kernel/internal/kerrno"
	"github.com/mello-os/kernel/internal/mem/region"
	"github.com/mello-os/kernel/internal/percpu"
)

// ID identifies a task, process-group, or session — all three share
// the same numbering space the way Unix pids/pgids/sids do, and
// spec.md's "References between entities are by id" note applies
// uniformly.
type ID = percpu.TaskID

// State is spec.md §3/§4.4's TCB lifecycle state.
type State int

const (
	Ready State = iota
	Running
	Sleeping
	Blocked
	Stopped
	Zombie
	Terminated
)

// KernelStackSize and GuardPageSize are spec.md §3's fixed sizes: an
// 8 KiB kernel stack with a guard page below it.
const (
	KernelStackSize = 8 * 1024
	PageSize        = 4096
)

// HandlerKind is one of {Default, Ignore, Custom} for a signal slot,
// spec.md §4.9.
type HandlerKind int

const (
	HandlerDefault HandlerKind = iota
	HandlerIgnore
	HandlerCustom
)

// SignalSlot is one of the 64 handler-table entries on a Task.
type SignalSlot struct {
	Kind    HandlerKind
	Handler uintptr // user address, valid iff Kind == HandlerCustom
}

const NumSignals = 64

// Context is the saved callee-saved register set and stack pointer a
// context switch swaps. Its layout is architecture-specific and
// opaque to the scheduler; spec.md §9 calls for "id-based back-
// references... not strong ownership cycles" and, separately, for
// async/blocking I/O expressed as state-machine transitions rather
// than coroutine suspension — the scheduler only ever copies this
// struct, never inspects it.
type Context struct {
	Regs [16]uint64
	RSP  uintptr
	RIP  uintptr
}

// Task is the spec.md §3 Task Control Block.
type Task struct {
	ID       ID
	Name     string
	Priority percpu.Priority

	mu    sync.Mutex
	state State

	// scheduling placement
	HomeCore int
	WakeTick uint64
	HasWake  bool

	BlockedPort  int
	HasBlockedPort bool

	// job control, spec.md §3
	PGID ID
	SID  ID
	CtrlTTY    int
	HasCtrlTTY bool

	// memory
	KernelStackBase uintptr
	GuardPageBase   uintptr
	Context         Context

	// per-task resources
	FDs     *fd.Table
	Regions *region.Table

	// signals, spec.md §4.9
	sigMu     sync.Mutex
	Handlers  [NumSignals]SignalSlot
	Pending   uint64
	Mask      uint64

	// parent/child bookkeeping for wait4, spec.md §4.6
	Parent   ID
	HasParent bool
	ExitCode int
	children []ID

	// seqlock counter for /proc readers, spec.md §3/§4.10
	Seq atomic.Uint64

	UID      int
	IsRoot   bool
	IsKernel bool
}

// newTask constructs a Task in Ready state with a fresh fd table.
func newTask(id ID, name string, prio percpu.Priority) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Priority: prio,
		state:    Ready,
		FDs:      &fd.Table{},
		Regions:  &region.Table{},
	}
}

// State returns the task's current lifecycle state under its lock.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// seqWrite bumps the sequence counter before and after a mutation, the
// seqlock discipline spec.md §4.10 requires: "writers bump the counter
// before and after mutation; readers retry when a mid-read mutation is
// observed".
func (t *Task) seqWrite(fn func()) {
	t.Seq.Add(1)
	fn()
	t.Seq.Add(1)
}

// SetState performs a lifecycle transition. Callers are expected to
// only request transitions in spec.md §4.4's table; SetState itself
// does not validate the transition graph (the scheduler, ports, and
// signal subsystems each know which transitions they are allowed to
// request) but does keep the seqlock counter correct for every
// mutation.
func (t *Task) SetState(s State) {
	t.mu.Lock()
	t.seqWrite(func() { t.state = s })
	t.mu.Unlock()
}

// CompareAndSetState performs the transition only if the task is
// currently in `from`, for callers that must not race a concurrent
// wake (e.g. signal delivery racing a port wake).
func (t *Task) CompareAndSetState(from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return false
	}
	t.seqWrite(func() { t.state = to })
	return true
}

// RaiseSignal ORs signum into the pending bitset atomically, per
// spec.md §4.9: "written with atomic OR by senders".
func (t *Task) RaiseSignal(signum int) {
	t.sigMu.Lock()
	defer t.sigMu.Unlock()
	t.seqWrite(func() { t.Pending |= 1 << uint(signum) })
}

// Deliverable returns pending &^ mask, the set of signals eligible for
// delivery on the next return-to-user, spec.md §4.9.
func (t *Task) Deliverable() uint64 {
	t.sigMu.Lock()
	defer t.sigMu.Unlock()
	return t.Pending &^ t.Mask
}

// ClearSignal removes signum from the pending bitset, returning
// whether it had been set.
func (t *Task) ClearSignal(signum int) bool {
	t.sigMu.Lock()
	defer t.sigMu.Unlock()
	bit := uint64(1) << uint(signum)
	had := t.Pending&bit != 0
	t.seqWrite(func() { t.Pending &^= bit })
	return had
}

// AddChild records a child pid for wait4 bookkeeping.
func (t *Task) AddChild(child ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.children = append(t.children, child)
}

// Children returns a copy of the child id list.
func (t *Task) Children() []ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ID, len(t.children))
	copy(out, t.children)
	return out
}

// RemoveChild drops a reaped child from bookkeeping.
func (t *Task) RemoveChild(child ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.children {
		if c == child {
			t.children = append(t.children[:i], t.children[i+1:]...)
			return
		}
	}
}

// Snapshot returns a consistent, copy of the fields /proc reports,
// retrying if a writer mutated the task mid-read — the seqlock reader
// pattern spec.md §4.10 calls for.
func (t *Task) Snapshot() TaskSnapshot {
	for {
		seq1 := t.Seq.Load()
		if seq1%2 != 0 {
			continue // writer in progress
		}
		snap := TaskSnapshot{
			ID: t.ID, Name: t.Name, Priority: t.Priority,
			State: t.State(), PGID: t.PGID, SID: t.SID,
		}
		seq2 := t.Seq.Load()
		if seq1 == seq2 {
			return snap
		}
	}
}

// TaskSnapshot is the read-only view /proc exposes.
type TaskSnapshot struct {
	ID       ID
	Name     string
	Priority percpu.Priority
	State    State
	PGID     ID
	SID      ID
}

var stateNames = map[State]string{
	Ready: "ready", Running: "running", Sleeping: "sleeping",
	Blocked: "blocked", Stopped: "stopped", Zombie: "zombie", Terminated: "terminated",
}

func (s State) String() string { return stateNames[s] }

// ValidateHandler checks the handler-registration precondition from
// spec.md §4.9: the address must be in a user-executable page.
// isExecutableUser is supplied by the syscall layer (it needs the
// task's address space, which proc does not otherwise touch).
func ValidateHandler(addr uintptr, isExecutableUser func(uintptr) bool) error {
	if !isExecutableUser(addr) {
		return kerrno.InvalidHandler
	}
	return nil
}
