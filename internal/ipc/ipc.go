// Package ipc implements the fixed-count numbered-mailbox IPC from
// spec.md §4.7: 256 ports, each holding up to 16 messages of up to
// 4096 bytes, FIFO blocked-receiver wakeup. Grounded on Biscuit's
// pipe/bd request-queue pattern in cmd/kernel/main.go (bounded queue +
// waiter list + condvar-style wake), generalized from Biscuit's
// per-pipe queue onto spec.md's fixed 256-port table.
package ipc

import (
	"sync"

	"github.com/mello-os/kernel/internal/kerrno"
	"github.com/mello-os/kernel/internal/percpu"
)

// NumPorts is spec.md §9's open question resolved to the upper end of
// the implementation-defined range (≥64): 256 ports, matching the
// source's literal count so a /proc reader sees the same limit the
// original documented.
const NumPorts = 256

// MaxQueueLen and MaxMessageLen are spec.md §4.7/§8's fixed bounds.
const (
	MaxQueueLen    = 16
	MaxMessageLen  = 4096
)

// Waker lets a blocked receiver be woken without ipc importing sched
// (which would create proc->sched->ipc->sched cycle risk); cmd/kernel
// wires this to *sched.Scheduler.WakeFromPort.
type Waker interface {
	WakeFromPort(task percpu.TaskID, callerCoreID int)
}

// Port is one numbered mailbox: a bounded FIFO message queue plus a
// FIFO list of tasks blocked in Recv.
type Port struct {
	mu       sync.Mutex
	messages [][]byte
	waiters  []percpu.TaskID
}

// Table owns all NumPorts ports, spec.md §5's "global tables... are
// protected by per-object locks; the table-level lock only guards the
// set-of-objects metadata" — here the metadata is simply "which port
// index is which object", so no table-level lock is needed beyond the
// fixed array.
type Table struct {
	ports [NumPorts]*Port
	waker Waker
}

// NewTable constructs a table with every port allocated and idle.
func NewTable(waker Waker) *Table {
	t := &Table{waker: waker}
	for i := range t.ports {
		t.ports[i] = &Port{}
	}
	return t
}

func (t *Table) port(num int) (*Port, error) {
	if num < 0 || num >= NumPorts {
		return nil, kerrno.NotFound
	}
	return t.ports[num], nil
}

// Send implements spec.md §4.7's send contract: non-blocking enqueue,
// QueueFull if already at MaxQueueLen, wake exactly one FIFO waiter
// (via Waker) if any task is blocked receiving.
func (t *Table) Send(portNum int, msg []byte, callerCoreID int) error {
	if len(msg) > MaxMessageLen {
		return kerrno.MessageTooLarge
	}
	p, err := t.port(portNum)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if len(p.messages) >= MaxQueueLen {
		p.mu.Unlock()
		return kerrno.QueueFull
	}
	cp := append([]byte(nil), msg...)
	p.messages = append(p.messages, cp)

	var woken percpu.TaskID
	haveWoken := false
	if len(p.waiters) > 0 {
		woken = p.waiters[0]
		p.waiters = p.waiters[1:]
		haveWoken = true
	}
	p.mu.Unlock()

	if haveWoken && t.waker != nil {
		t.waker.WakeFromPort(woken, callerCoreID)
	}
	return nil
}

// RecvResult is the outcome of a Recv attempt.
type RecvResult struct {
	N       int
	Blocked bool // true if the caller must park as Blocked and retry on wake
}

// Recv implements spec.md §4.7's recv contract: dequeue the FIFO head
// if present, copying up to len(buf) bytes; otherwise report Blocked
// so the caller (sched) can enqueue this task on the waiter list and
// transition it to Blocked before releasing the port lock — spec.md's
// "release the port lock and invoke the scheduler; on wake, retry"
// sequencing is why parking happens in two steps (Recv reports
// Blocked; ParkWaiter records the waiter) rather than Recv blocking
// internally, since ipc must never call into sched directly to avoid
// an import cycle through proc.
func (t *Table) Recv(portNum int, buf []byte) (RecvResult, error) {
	p, err := t.port(portNum)
	if err != nil {
		return RecvResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return RecvResult{Blocked: true}, nil
	}
	msg := p.messages[0]
	p.messages = p.messages[1:]
	n := copy(buf, msg)
	return RecvResult{N: n}, nil
}

// ParkWaiter records task as waiting on portNum, FIFO, per spec.md
// §4.7's invariant "each task appears at most once on at most one
// port's waiter list".
func (t *Table) ParkWaiter(portNum int, task percpu.TaskID) error {
	p, err := t.port(portNum)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.waiters {
		if w == task {
			return nil
		}
	}
	p.waiters = append(p.waiters, task)
	return nil
}

// RemoveWaiter drops task from portNum's waiter list without waking
// it, used when a blocked receiver is instead woken by a signal
// (spec.md §5: "an interruptible receive returns EINTR with zero bytes
// copied").
func (t *Table) RemoveWaiter(portNum int, task percpu.TaskID) {
	p, err := t.port(portNum)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == task {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// QueueLen reports a port's current message count, for /proc and
// tests.
func (t *Table) QueueLen(portNum int) int {
	p, err := t.port(portNum)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

// WaiterLen reports how many tasks are blocked receiving on portNum.
func (t *Table) WaiterLen(portNum int) int {
	p, err := t.port(portNum)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
