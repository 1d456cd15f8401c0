// Package syscall implements the dispatch table, user-pointer
// validation, and return-value conversion from spec.md §4.6.
// Grounded on Biscuit's syscall dispatch switch in cmd/kernel/main.go
// (sys_read/sys_write/sys_fork/sys_execv/... keyed by a dense integer,
// with SYSCALL's trapstub saving the user register file before
// dispatch), generalized onto spec.md's fixed syscall-number table and
// onto a UserMemory seam so dispatch logic is testable without a real
// user address space.
package syscall

import (
	"github.com/mello-os/kernel/internal/fd"
	"github.com/mello-os/kernel/internal/ipc"
	"github.com/mello-os/kernel/internal/jobcontrol"
	"github.com/mello-os/kernel/internal/kerrno"
	"github.com/mello-os/kernel/internal/percpu"
	"github.com/mello-os/kernel/internal/proc"
	"github.com/mello-os/kernel/internal/pty"
	"github.com/mello-os/kernel/internal/sched"
	"github.com/mello-os/kernel/internal/signal"
)

// Fixed syscall numbers, the external ABI from spec.md §4.6.
const (
	READ       = 0
	WRITE      = 1
	OPEN       = 2
	CLOSE      = 3
	SIGACTION  = 13
	SIGRETURN  = 15
	PIPE       = 22
	DUP2       = 33
	GETPID     = 39
	FORK       = 57
	EXECVE     = 59
	EXIT       = 60
	WAIT4      = 61
	KILL       = 62
	SETPGID    = 109
	GETPGRP    = 111
	IPC_SEND   = 128
	IPC_RECV   = 129
	TCSETPGRP  = 136
	TCGETPGRP  = 137
)

// UserMemory is the seam argument validation and copy-in/copy-out
// operate through, per spec.md §4.6: "Every user pointer is validated
// before dereference... Writable buffers additionally require the
// writable bit." Production wires this to the task's paging.AddressSpace;
// tests substitute an in-memory fake addressed by plain uintptr keys.
type UserMemory interface {
	CopyIn(ptr uintptr, n int) ([]byte, error)
	CopyOut(ptr uintptr, data []byte) error
	IsExecutableUser(ptr uintptr) bool
}

// Args is the fixed six-register argument vector the fast-syscall
// trampoline hands the dispatcher, mirroring the x86-64 System V
// syscall calling convention (rdi, rsi, rdx, r10, r8, r9).
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
}

// ExitNotifier is invoked when EXIT or a lethal default signal action
// runs, so the caller (sched/kerntest glue) can remove the task from
// its runqueue and wake any wait4'ing parent.
type ExitNotifier interface {
	NotifyExit(task *proc.Task, code int)
}

// Dispatcher wires every subsystem a syscall might touch: the process
// table, scheduler, IPC ports, PTYs, and job control. One Dispatcher
// serves every core; per-core state is reached through the coreID
// argument each Dispatch call carries.
type Dispatcher struct {
	Tasks *proc.Table
	Sched *sched.Scheduler
	IPC   *ipc.Table
	PTY   *pty.Table
	Jobs  *jobcontrol.Table
	Exit  ExitNotifier
}

// Blocked is returned by Dispatch when the syscall must park the
// caller and be retried on wake, rather than returning a value to user
// space immediately — spec.md §4.7's recv and §4.8's blocking PTY read
// both take this path.
var Blocked = kerrno.ABI(1) // sentinel; never a valid negative ABI value

// Dispatch executes syscall number `num` for `task` running on
// `coreID`, returning the non-negative success value or the negative
// kerrno.ABI on failure, per spec.md §4.6's return convention.
func (d *Dispatcher) Dispatch(task *proc.Task, coreID int, num int64, a Args, mem UserMemory) int64 {
	switch num {
	case READ:
		return d.sysRead(task, a, mem)
	case WRITE:
		return d.sysWrite(task, a, mem)
	case OPEN:
		return int64(kerrno.ToABI(kerrno.NotFound)) // no filesystem in this core, spec.md §1 non-goal
	case CLOSE:
		return d.sysClose(task, a)
	case SIGACTION:
		return d.sysSigaction(task, a, mem)
	case SIGRETURN:
		return d.sysSigreturn(task, a)
	case PIPE:
		return d.sysPipe(task, a, mem)
	case DUP2:
		return d.sysDup2(task, a)
	case GETPID:
		return int64(task.ID)
	case FORK:
		return d.sysFork(task)
	case EXECVE:
		return int64(kerrno.ToABI(kerrno.NotFound)) // no loader in this core
	case EXIT:
		return d.sysExit(task, a)
	case WAIT4:
		return d.sysWait4(task, a, mem)
	case KILL:
		return d.sysKill(task, a)
	case SETPGID:
		return d.sysSetpgid(task, a)
	case GETPGRP:
		return int64(d.Jobs.GetPGRP(task))
	case IPC_SEND:
		return d.sysIPCSend(task, coreID, a, mem)
	case IPC_RECV:
		return d.sysIPCRecv(task, a, mem)
	case TCSETPGRP:
		return d.sysTCSetpgrp(task, a)
	case TCGETPGRP:
		return d.sysTCGetpgrp(task, a)
	default:
		return int64(kerrno.ENOSYS)
	}
}

func errABI(e kerrno.Errno) int64 { return int64(kerrno.ToABI(e)) }

func (d *Dispatcher) fdFile(task *proc.Task, fdNum uint64) (*fd.Entry, error) {
	return task.FDs.Get(int(fdNum))
}

func (d *Dispatcher) sysRead(task *proc.Task, a Args, mem UserMemory) int64 {
	e, err := d.fdFile(task, a.A0)
	if err != nil {
		return errABI(err.(kerrno.Errno))
	}
	n := int(a.A2)
	buf := make([]byte, n)
	got, kerr := e.File.Read(buf)
	if kerr == kerrno.QueueEmpty {
		return int64(Blocked)
	}
	if kerr != kerrno.OK {
		return errABI(kerr)
	}
	if err := mem.CopyOut(uintptr(a.A1), buf[:got]); err != nil {
		return errABI(kerrno.InvalidPointer)
	}
	return int64(got)
}

func (d *Dispatcher) sysWrite(task *proc.Task, a Args, mem UserMemory) int64 {
	e, err := d.fdFile(task, a.A0)
	if err != nil {
		return errABI(err.(kerrno.Errno))
	}
	n := int(a.A2)
	buf, cerr := mem.CopyIn(uintptr(a.A1), n)
	if cerr != nil {
		return errABI(kerrno.InvalidPointer)
	}
	got, kerr := e.File.Write(buf)
	if kerr != kerrno.OK {
		return errABI(kerr)
	}
	return int64(got)
}

func (d *Dispatcher) sysClose(task *proc.Task, a Args) int64 {
	if err := task.FDs.Close(int(a.A0)); err != nil {
		return errABI(err.(kerrno.Errno))
	}
	return 0
}

func (d *Dispatcher) sysDup2(task *proc.Task, a Args) int64 {
	n, err := task.FDs.Dup(int(a.A0), int(a.A1))
	if err != nil {
		return errABI(err.(kerrno.Errno))
	}
	return int64(n)
}

func (d *Dispatcher) sysPipe(task *proc.Task, a Args, mem UserMemory) int64 {
	r, w := newPipe()
	rfd, err := task.FDs.Install(r)
	if err != nil {
		return errABI(err.(kerrno.Errno))
	}
	wfd, err := task.FDs.Install(w)
	if err != nil {
		task.FDs.Close(rfd)
		return errABI(err.(kerrno.Errno))
	}
	out := []byte{
		byte(rfd), byte(rfd >> 8), byte(rfd >> 16), byte(rfd >> 24),
		byte(wfd), byte(wfd >> 8), byte(wfd >> 16), byte(wfd >> 24),
	}
	if err := mem.CopyOut(uintptr(a.A0), out); err != nil {
		return errABI(kerrno.InvalidPointer)
	}
	return 0
}

func (d *Dispatcher) sysSigaction(task *proc.Task, a Args, mem UserMemory) int64 {
	signum := int(a.A0)
	newAddr := uintptr(a.A1)
	slot := proc.SignalSlot{Kind: proc.HandlerCustom, Handler: newAddr}
	if newAddr == 0 {
		slot = proc.SignalSlot{Kind: proc.HandlerDefault}
	}
	_, err := signal.InstallHandler(task, signum, slot, mem.IsExecutableUser)
	if err != nil {
		return errABI(err.(kerrno.Errno))
	}
	return 0
}

// sysSigreturn implements the return-from-signal syscall: a.A0 is the
// signum the just-finished handler was invoked for (carried in the
// opaque signal frame the trampoline built at dispatch time), and
// clearing its auto-mask bit is the other half of spec.md §4.9's
// sigreturn contract, alongside the register-file restore the
// trampoline performs itself.
func (d *Dispatcher) sysSigreturn(task *proc.Task, a Args) int64 {
	if err := signal.Return(task, int(a.A0)); err != nil {
		return errABI(err.(kerrno.Errno))
	}
	return 0
}

func (d *Dispatcher) sysFork(parent *proc.Task) int64 {
	child := d.Tasks.Spawn(parent.Name, parent.Priority)
	child.PGID = parent.PGID
	child.SID = parent.SID
	child.UID = parent.UID
	child.Parent = parent.ID
	child.HasParent = true
	child.FDs = parent.FDs.Clone()
	child.Regions = parent.Regions.Clone()
	parent.AddChild(child.ID)
	if d.Sched != nil {
		area := d.Sched.Area(parent.HomeCore)
		child.HomeCore = parent.HomeCore
		area.Lock.Lock()
		area.Enqueue(child.Priority, percpu.TaskID(child.ID))
		area.Lock.Unlock()
	}
	return int64(child.ID)
}

func (d *Dispatcher) sysExit(task *proc.Task, a Args) int64 {
	task.ExitCode = int(a.A0)
	task.SetState(proc.Zombie)
	if d.Exit != nil {
		d.Exit.NotifyExit(task, int(a.A0))
	}
	return 0
}

// sysWait4 implements spec.md's WAIT4 contract: reap a zombie child or
// block. A target of 0 matches any child. ECHILD distinguishes "no such
// child at all" from "child alive but not yet exited", which instead
// parks the caller (mirroring sysRead/sysIPCRecv's own "may block"
// path) to retry once the SIGCHLD exitNotifier raises on exit wakes it.
func (d *Dispatcher) sysWait4(parent *proc.Task, a Args, mem UserMemory) int64 {
	target := proc.ID(a.A0)
	children := parent.Children()

	if target != 0 {
		found := false
		for _, c := range children {
			if c == target {
				found = true
				break
			}
		}
		if !found {
			return errABI(kerrno.NoSuchChild)
		}
	} else if len(children) == 0 {
		return errABI(kerrno.NoSuchChild)
	}

	for _, childID := range children {
		if target != 0 && childID != target {
			continue
		}
		child, err := d.Tasks.Lookup(childID)
		if err != nil {
			return errABI(sched.ErrNoTask)
		}
		if child.State() != proc.Zombie {
			continue
		}
		statusPtr := uintptr(a.A1)
		if statusPtr != 0 {
			status := uint32(child.ExitCode) << 8
			mem.CopyOut(statusPtr, []byte{byte(status), byte(status >> 8), byte(status >> 16), byte(status >> 24)})
		}
		parent.RemoveChild(childID)
		d.Tasks.Remove(childID)
		return int64(childID)
	}

	parent.SetState(proc.Blocked)
	return int64(Blocked)
}

func (d *Dispatcher) sysKill(sender *proc.Task, a Args) int64 {
	target, err := d.Tasks.Lookup(proc.ID(a.A0))
	if err != nil {
		return errABI(kerrno.NoSuchProcess)
	}
	if err := signal.Send(sender, target, int(a.A1)); err != nil {
		return errABI(err.(kerrno.Errno))
	}
	return 0
}

func (d *Dispatcher) sysSetpgid(task *proc.Task, a Args) int64 {
	target := task
	if a.A0 != 0 && proc.ID(a.A0) != task.ID {
		t, err := d.Tasks.Lookup(proc.ID(a.A0))
		if err != nil {
			return errABI(kerrno.NoSuchProcess)
		}
		target = t
	}
	pgid := proc.ID(a.A1)
	if pgid == 0 {
		pgid = target.ID
	}
	if err := d.Jobs.SetPGID(target, pgid); err != nil {
		return errABI(err.(kerrno.Errno))
	}
	return 0
}

func (d *Dispatcher) sysIPCSend(task *proc.Task, coreID int, a Args, mem UserMemory) int64 {
	buf, err := mem.CopyIn(uintptr(a.A1), int(a.A2))
	if err != nil {
		return errABI(kerrno.InvalidPointer)
	}
	if sendErr := d.IPC.Send(int(a.A0), buf, coreID); sendErr != nil {
		return errABI(sendErr.(kerrno.Errno))
	}
	return 0
}

func (d *Dispatcher) sysIPCRecv(task *proc.Task, a Args, mem UserMemory) int64 {
	buf := make([]byte, a.A2)
	res, err := d.IPC.Recv(int(a.A0), buf)
	if err != nil {
		return errABI(err.(kerrno.Errno))
	}
	if res.Blocked {
		d.IPC.ParkWaiter(int(a.A0), percpu.TaskID(task.ID))
		task.SetState(proc.Blocked)
		return int64(Blocked)
	}
	if err := mem.CopyOut(uintptr(a.A1), buf[:res.N]); err != nil {
		return errABI(kerrno.InvalidPointer)
	}
	return int64(res.N)
}

func (d *Dispatcher) sysTCSetpgrp(task *proc.Task, a Args) int64 {
	p, err := d.PTY.Lookup(int(a.A0))
	if err != nil {
		return errABI(err.(kerrno.Errno))
	}
	if err := d.PTY.SetForegroundGroup(p, proc.ID(a.A1)); err != nil {
		return errABI(err.(kerrno.Errno))
	}
	return 0
}

func (d *Dispatcher) sysTCGetpgrp(task *proc.Task, a Args) int64 {
	p, err := d.PTY.Lookup(int(a.A0))
	if err != nil {
		return errABI(err.(kerrno.Errno))
	}
	g, err := d.PTY.ForegroundGroup(p)
	if err != nil {
		return errABI(err.(kerrno.Errno))
	}
	return int64(g)
}
