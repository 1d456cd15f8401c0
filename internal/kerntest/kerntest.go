// Package kerntest implements the cross-subsystem end-to-end scenarios
// from spec.md §8 (S1-S6) against the hardware-seam fakes each
// subsystem package already defines for its own unit tests. These are
// integration tests: they wire proc+sched+ipc+pty+signal+jobcontrol
// together the way cmd/kernel's boot sequence does, without touching
// real hardware.
package kerntest

import (
	"github.com/mello-os/kernel/internal/ipc"
	"github.com/mello-os/kernel/internal/jobcontrol"
	"github.com/mello-os/kernel/internal/percpu"
	"github.com/mello-os/kernel/internal/proc"
	"github.com/mello-os/kernel/internal/pty"
	"github.com/mello-os/kernel/internal/sched"
	"github.com/mello-os/kernel/internal/signal"
	ksyscall "github.com/mello-os/kernel/internal/syscall"
)

// Harness bundles one fully-wired, in-memory kernel core for scenario
// tests: a process table, a multi-core scheduler, IPC ports, PTYs, job
// control, and the syscall dispatcher, all pointed at each other the
// way cmd/kernel wires them at boot.
type Harness struct {
	Tasks *proc.Table
	Sched *sched.Scheduler
	IPC   *ipc.Table
	Jobs  *jobcontrol.Table
	PTYs  *pty.Table
	Sys   *ksyscall.Dispatcher
}

// exitNotifier implements ksyscall.ExitNotifier the same way
// cmd/kernel's does: SIGCHLD to the parent, zombie state on the child.
type exitNotifier struct{ tasks *proc.Table }

func (n exitNotifier) NotifyExit(task *proc.Task, code int) {
	task.ExitCode = code
	task.SetState(proc.Zombie)
	if !task.HasParent {
		return
	}
	parent, err := n.tasks.Lookup(task.Parent)
	if err != nil {
		return
	}
	signal.Send(task, parent, signal.SIGCHLD)
}

// schedWaker adapts *sched.Scheduler to ipc.Waker.
type schedWaker struct {
	s     *sched.Scheduler
	tasks *proc.Table
}

func (w schedWaker) WakeFromPort(task percpu.TaskID, callerCoreID int) {
	t, err := w.tasks.Lookup(proc.ID(task))
	if err != nil {
		return
	}
	w.s.WakeFromPort(t, callerCoreID)
}

// NewHarness builds a harness with numCores scheduler cores.
func NewHarness(numCores int) *Harness {
	tasks := proc.NewTable()
	s := sched.New(tasks, nil, nil, numCores)
	jobs := jobcontrol.New(tasks)
	ptys := pty.New(jobs, tasks)
	ipcTbl := ipc.NewTable(schedWaker{s: s, tasks: tasks})
	sys := &ksyscall.Dispatcher{
		Tasks: tasks,
		Sched: s,
		IPC:   ipcTbl,
		PTY:   ptys,
		Jobs:  jobs,
		Exit:  exitNotifier{tasks: tasks},
	}
	return &Harness{Tasks: tasks, Sched: s, IPC: ipcTbl, Jobs: jobs, PTYs: ptys, Sys: sys}
}
