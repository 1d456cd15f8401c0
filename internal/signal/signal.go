// Package signal implements the permission checks, default actions,
// and delivery algorithm from spec.md §4.9. The per-task pending
// bitset, mask, and handler table themselves live on proc.Task (the
// TCB owns its own signal state, spec.md §3); this package holds the
// stateless policy that operates on it, grounded on Biscuit's
// sys_kill/proc_kill permission logic in cmd/kernel/main.go.
package signal

import (
	"github.com/mello-os/kernel/internal/kerrno"
	"github.com/mello-os/kernel/internal/proc"
)

// Fixed signal numbers the default-action table and line discipline
// both reference, matching common Unix numbering (the value the PTY's
// VINTR/VSUSP/VQUIT mapping in spec.md §4.8 depends on).
const (
	SIGHUP  = 1
	SIGINT  = 2
	SIGQUIT = 3
	SIGKILL = 9
	SIGSEGV = 11
	SIGPIPE = 13
	SIGTERM = 15
	SIGCHLD = 17
	SIGCONT = 18
	SIGSTOP = 19
	SIGTSTP = 20
	SIGTTIN = 21
	SIGTTOU = 22
	SIGWINCH = 28
)

// DefaultAction is the action taken for a signal whose handler slot is
// HandlerDefault, spec.md §4.9.
type DefaultAction int

const (
	ActionTerminate DefaultAction = iota
	ActionIgnore
	ActionStop
	ActionContinue
)

var defaultActions = map[int]DefaultAction{
	SIGHUP: ActionTerminate, SIGINT: ActionTerminate, SIGQUIT: ActionTerminate, SIGTERM: ActionTerminate,
	SIGKILL: ActionTerminate,
	SIGCHLD: ActionIgnore, SIGWINCH: ActionIgnore,
	SIGTSTP: ActionStop, SIGTTIN: ActionStop, SIGTTOU: ActionStop, SIGSTOP: ActionStop,
	SIGCONT: ActionContinue,
}

// DefaultActionFor returns the default action for signum, defaulting
// to Terminate for any signal not explicitly tabulated (matching Unix
// convention for unclassified signals).
func DefaultActionFor(signum int) DefaultAction {
	if a, ok := defaultActions[signum]; ok {
		return a
	}
	return ActionTerminate
}

// uncatchable reports whether signum can never be caught, ignored, or
// blocked, spec.md §4.9: "SIGKILL and SIGSTOP cannot be caught,
// ignored, or blocked."
func uncatchable(signum int) bool {
	return signum == SIGKILL || signum == SIGSTOP
}

// CanInstallHandler reports whether a SIGACTION call may install a
// custom or ignore handler for signum.
func CanInstallHandler(signum int) bool {
	return !uncatchable(signum)
}

// CanBlock reports whether signum may be added to a task's mask.
func CanBlock(signum int) bool {
	return !uncatchable(signum)
}

// Send delivers signum to target subject to spec.md §4.9's permission
// checks: sender is root, or sender and target share a uid; no
// delivery to a kernel thread; SIGKILL/SIGSTOP may never target init
// (task id 1).
func Send(sender, target *proc.Task, signum int) error {
	if signum < 0 || signum >= proc.NumSignals {
		return kerrno.InvalidSignal
	}
	if target.IsKernel {
		return kerrno.PermissionDenied
	}
	if !sender.IsRoot && sender.UID != target.UID {
		return kerrno.PermissionDenied
	}
	if (signum == SIGKILL || signum == SIGSTOP) && target.ID == 1 {
		return kerrno.ProtectedProcess
	}
	target.RaiseSignal(signum)
	return nil
}

// InstallHandler validates and installs a handler slot, spec.md
// §4.9's "Custom handler registration validates that the handler
// address is in a user-executable page." isExecutableUser is supplied
// by the caller (syscall layer), which has the task's address space.
func InstallHandler(t *proc.Task, signum int, slot proc.SignalSlot, isExecutableUser func(uintptr) bool) (proc.SignalSlot, error) {
	if signum < 0 || signum >= proc.NumSignals {
		return proc.SignalSlot{}, kerrno.InvalidSignal
	}
	if !CanInstallHandler(signum) {
		return proc.SignalSlot{}, kerrno.InvalidArgument
	}
	if slot.Kind == proc.HandlerCustom {
		if err := proc.ValidateHandler(slot.Handler, isExecutableUser); err != nil {
			return proc.SignalSlot{}, err
		}
	}
	old := t.Handlers[signum]
	t.Handlers[signum] = slot
	return old, nil
}

// Delivery is the outcome of Deliver: which signal was picked, its
// slot, and (if Custom) the frame information the syscall return path
// must install.
type Delivery struct {
	Signum int
	Slot   proc.SignalSlot
	Action DefaultAction // meaningful only if Slot.Kind == HandlerDefault
}

// Deliver implements spec.md §4.9's delivery algorithm: compute
// deliverable = pending &^ mask; if non-zero, pick the lowest-numbered
// bit, clear it, and report what the caller (the return-to-user
// trampoline) must do. While a Custom handler runs, its own signal is
// auto-masked (OR'd into Mask) until the task's return-from-signal
// syscall calls Return, which clears exactly that bit.
func Deliver(t *proc.Task) (Delivery, bool) {
	deliverable := t.Deliverable()
	if deliverable == 0 {
		return Delivery{}, false
	}
	signum := lowestBit(deliverable)
	t.ClearSignal(signum)

	slot := t.Handlers[signum]
	d := Delivery{Signum: signum, Slot: slot}
	if slot.Kind == proc.HandlerDefault {
		d.Action = DefaultActionFor(signum)
	}
	if slot.Kind == proc.HandlerCustom {
		t.Mask |= 1 << uint(signum)
	}
	return d, true
}

// Return implements spec.md §4.9's sigreturn contract: the handler for
// signum has finished running, so its auto-mask bit (set by Deliver)
// is cleared, making signum deliverable again. The saved user register
// file itself is restored by the return-to-user trampoline (the same
// opaque Context-swap seam sched.ContextSwitcher uses), not by this
// function.
func Return(t *proc.Task, signum int) error {
	if signum < 0 || signum >= proc.NumSignals {
		return kerrno.InvalidSignal
	}
	t.Mask &^= 1 << uint(signum)
	return nil
}

func lowestBit(bits uint64) int {
	for i := 0; i < 64; i++ {
		if bits&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}
