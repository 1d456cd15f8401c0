// Package sched implements the per-core preemptive scheduler from
// spec.md §4.4: runqueue selection, sleep/wake, blocking, and periodic
// load balancing across percpu.Area instances. Grounded on Biscuit's
// scheduler in cmd/kernel/main.go (runtime.Sched_t, the yield/resched
// dance built on runtime.IRQwake) generalized from Biscuit's global
// runqueue onto spec.md's per-core runqueue-with-migration model.
package sched

import (
	"sync"

	"github.com/mello-os/kernel/internal/kerrno"
	"github.com/mello-os/kernel/internal/percpu"
	"github.com/mello-os/kernel/internal/proc"
)

// ContextSwitcher performs the architecture-specific register-context
// swap. The scheduler never touches register state itself — spec.md
// §9 notes the context switch is "implemented in assembly, called from
// Go as an opaque primitive" — so this interface is the seam; cmd/kernel
// wires a real implementation, and tests use a fake that just records
// calls.
type ContextSwitcher interface {
	Switch(from, to *proc.Context)
}

// Rescheduler requests that another core re-examine its runqueue, the
// IPI path spec.md §4.3/§4.4 describes for waking a core that migrated
// a task onto it or that must preempt a running task.
type Rescheduler interface {
	SendReschedule(destAPICID uint32)
}

// Scheduler owns every core's percpu.Area plus the process table, and
// implements spec.md §4.4's operations: spawn, yield_now, sleep_for,
// block_on_port/wake, and on_tick (the timer-interrupt entry point).
type Scheduler struct {
	mu      sync.Mutex
	areas   []*percpu.Area
	tasks   *proc.Table
	switcher ContextSwitcher
	ipi     Rescheduler

	// LoadBalanceThreshold is spec.md §4.4's migration trigger: migrate
	// when a loaded core's ready length exceeds an idle core's by more
	// than this.
	LoadBalanceThreshold int
}

// New constructs a Scheduler over numCores areas; area i gets core id i
// and APIC id i.
func New(tasks *proc.Table, switcher ContextSwitcher, ipi Rescheduler, numCores int) *Scheduler {
	s := &Scheduler{tasks: tasks, switcher: switcher, ipi: ipi, LoadBalanceThreshold: 2}
	for i := 0; i < numCores; i++ {
		s.areas = append(s.areas, percpu.NewArea(i, uint32(i)))
	}
	return s
}

// Area returns the per-core state for coreID, for tests and for the
// timer-interrupt handler running on that core.
func (s *Scheduler) Area(coreID int) *percpu.Area { return s.areas[coreID] }

// NumCores reports how many cores this scheduler manages.
func (s *Scheduler) NumCores() int { return len(s.areas) }

// homeArea picks the least-loaded core for a freshly spawned task, the
// initial-placement policy implied by spec.md §4.4's load-balancing
// goal (keep queue lengths even from the start).
func (s *Scheduler) homeArea() *percpu.Area {
	best := s.areas[0]
	for _, a := range s.areas[1:] {
		if a.TotalReady() < best.TotalReady() {
			best = a
		}
	}
	return best
}

// Spawn creates a task via the process table and places it Ready on
// the least-loaded core, returning the task.
func (s *Scheduler) Spawn(name string, prio percpu.Priority) *proc.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks.Spawn(name, prio)
	area := s.homeArea()
	t.HomeCore = area.CoreID
	area.Enqueue(prio, t.ID)
	return t
}

// PickNext selects the next task to run on coreID per spec.md §4.4:
// first move any due sleepers to Ready, then take the FIFO head of the
// highest non-empty priority queue. Returns false if nothing is ready
// (the caller should run the idle task).
func (s *Scheduler) PickNext(coreID int, nowTick uint64) (percpu.TaskID, bool) {
	a := s.areas[coreID]
	a.Lock.Lock()
	defer a.Lock.Unlock()

	for _, woken := range a.WakeDue(nowTick) {
		if t, err := s.tasks.Lookup(proc.ID(woken)); err == nil {
			t.CompareAndSetState(proc.Sleeping, proc.Ready)
		}
		prio := percpu.Normal
		if t, err := s.tasks.Lookup(proc.ID(woken)); err == nil {
			prio = t.Priority
		}
		a.Enqueue(prio, woken)
	}

	prio, ok := a.HighestReady()
	if !ok {
		return 0, false
	}
	next, _ := a.Dequeue(prio)
	return next, true
}

// Run performs a full scheduling decision and context switch on
// coreID: pick the next ready task (or the idle task), transition the
// outgoing task back to Ready (unless it already moved itself to a
// blocking state), transition the incoming task to Running, and swap
// register context.
func (s *Scheduler) Run(coreID int, nowTick uint64, outgoing *proc.Task) {
	a := s.areas[coreID]

	if outgoing != nil {
		outgoing.CompareAndSetState(proc.Running, proc.Ready)
		if outgoing.State() == proc.Ready {
			a.Lock.Lock()
			a.Enqueue(outgoing.Priority, percpu.TaskID(outgoing.ID))
			a.Lock.Unlock()
		}
	}

	nextID, ok := s.PickNext(coreID, nowTick)
	var next *proc.Task
	if ok {
		next, _ = s.tasks.Lookup(proc.ID(nextID))
	}
	if next == nil {
		a.Running.Store(uint64(a.Idle))
		return
	}

	next.SetState(proc.Running)
	a.Running.Store(uint64(next.ID))

	if s.switcher != nil && outgoing != nil {
		s.switcher.Switch(&outgoing.Context, &next.Context)
	}
}

// SleepFor transitions task into Sleeping until nowTick+ticks, the
// sleep_for operation from spec.md §4.4.
func (s *Scheduler) SleepFor(coreID int, task *proc.Task, nowTick, ticks uint64) {
	task.SetState(proc.Sleeping)
	a := s.areas[coreID]
	a.Lock.Lock()
	a.Sleep(percpu.TaskID(task.ID), nowTick+ticks)
	a.Lock.Unlock()
}

// BlockOnPort transitions task to Blocked and records the port it is
// waiting on, the block_on_port operation from spec.md §4.4/§4.7.
func (s *Scheduler) BlockOnPort(task *proc.Task, port int) {
	task.SetState(proc.Blocked)
	task.BlockedPort = port
	task.HasBlockedPort = true
}

// WakeFromPort transitions a port-blocked task back to Ready and
// enqueues it on its home core, waking that core with a reschedule IPI
// if it is a different core than the caller's — spec.md §4.7's
// "waking a receiver sends it a reschedule IPI if it is parked on a
// different core".
func (s *Scheduler) WakeFromPort(task *proc.Task, callerCoreID int) {
	if !task.CompareAndSetState(proc.Blocked, proc.Ready) {
		return
	}
	task.HasBlockedPort = false

	a := s.areas[task.HomeCore]
	a.Lock.Lock()
	a.Enqueue(task.Priority, percpu.TaskID(task.ID))
	a.Lock.Unlock()

	if s.ipi != nil && task.HomeCore != callerCoreID {
		s.ipi.SendReschedule(a.APICID)
	}
}

// OnTick is the periodic timer-interrupt entry point for coreID: bumps
// the tick counter and, on core 0 every LoadBalanceInterval ticks,
// runs a Rebalance pass. Returns true if the current task should be
// preempted, which is whenever PreemptDisable is zero (every tick is a
// preemption point).
func (s *Scheduler) OnTick(coreID int) (nowTick uint64, preempt bool) {
	a := s.areas[coreID]
	nowTick = a.Tick.Add(1)
	if coreID == 0 && nowTick%LoadBalanceInterval == 0 {
		s.Rebalance()
	}
	preempt = a.PreemptDisable.Load() == 0
	return nowTick, preempt
}

// LoadBalanceInterval is spec.md §4.4's 100ms load-balancing period,
// expressed in ticks at a nominal 1000Hz timer (matching spec.md §4.2's
// default TimerHz).
const LoadBalanceInterval = 100

// Rebalance migrates one task from the most-loaded core to the
// least-loaded core if their ready-queue lengths differ by more than
// LoadBalanceThreshold, per spec.md §4.4. Lock ordering is ascending
// core-id, as spec.md requires to avoid deadlock between concurrent
// rebalance passes on different core pairs. Running and Blocked tasks
// are never migrated (RemoveLowestPriority only pulls Ready tasks off
// the runqueue, so this is automatic).
func (s *Scheduler) Rebalance() {
	if len(s.areas) < 2 {
		return
	}
	most, least := s.areas[0], s.areas[0]
	for _, a := range s.areas[1:] {
		if a.TotalReady() > most.TotalReady() {
			most = a
		}
		if a.TotalReady() < least.TotalReady() {
			least = a
		}
	}
	if most == least || most.TotalReady()-least.TotalReady() <= s.LoadBalanceThreshold {
		return
	}

	first, second := most, least
	if first.CoreID > second.CoreID {
		first, second = second, first
	}
	first.Lock.Lock()
	second.Lock.Lock()
	defer second.Lock.Unlock()
	defer first.Lock.Unlock()

	taskID, prio, ok := most.RemoveLowestPriority()
	if !ok {
		return
	}
	least.Enqueue(prio, taskID)
	if t, err := s.tasks.Lookup(proc.ID(taskID)); err == nil {
		t.HomeCore = least.CoreID
	}
}

// YieldNow voluntarily relinquishes the CPU, the yield_now operation
// from spec.md §4.4: the caller is expected to invoke Run immediately
// afterward on the same core so PickNext re-evaluates the runqueue.
func (s *Scheduler) YieldNow(task *proc.Task) {
	task.CompareAndSetState(proc.Running, proc.Ready)
}

// ErrNoTask is returned by the syscall layer's wait4 reap loop when a
// child id still on the parent's child list no longer resolves in the
// process table — a race between two wait4 callers (or a caller and a
// concurrent reaper) rather than a normal "no zombie yet" outcome.
var ErrNoTask = kerrno.NoSuchProcess
