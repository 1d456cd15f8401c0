package kerntest

import (
	"sync"
	"testing"

	"github.com/mello-os/kernel/internal/percpu"
	"github.com/mello-os/kernel/internal/proc"
	"github.com/mello-os/kernel/internal/signal"
	ksyscall "github.com/mello-os/kernel/internal/syscall"
)

// fakeMem is a minimal ksyscall.UserMemory backed by a plain byte
// slice, for scenario tests that drive a syscall needing a status
// pointer rather than reimplementing its logic inline.
type fakeMem struct{ backing []byte }

func (m *fakeMem) CopyIn(ptr uintptr, n int) ([]byte, error) {
	out := make([]byte, n)
	copy(out, m.backing[ptr:int(ptr)+n])
	return out, nil
}
func (m *fakeMem) CopyOut(ptr uintptr, data []byte) error {
	copy(m.backing[ptr:], data)
	return nil
}
func (m *fakeMem) IsExecutableUser(ptr uintptr) bool { return true }

// TestS2IPCPingPong implements spec.md §8 scenario S2: task A sends
// "ping" to port 2 in a loop of 100, task B blocks on port 2 and
// echoes "pong" to port 1 for each; task A reads from port 1. No
// message is lost and pong order matches ping order.
func TestS2IPCPingPong(t *testing.T) {
	h := NewHarness(2)
	a := h.Sched.Spawn("A", percpu.Normal)
	b := h.Sched.Spawn("B", percpu.Normal)
	a.HomeCore, b.HomeCore = 0, 1

	const rounds = 100
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := make([]byte, 16)
		for i := 0; i < rounds; i++ {
			for {
				res, _ := h.IPC.Recv(2, buf)
				if !res.Blocked {
					break
				}
			}
			h.IPC.Send(1, []byte("pong"), 1)
		}
	}()

	var received []string
	go func() {
		defer wg.Done()
		buf := make([]byte, 16)
		for i := 0; i < rounds; i++ {
			h.IPC.Send(2, []byte("ping"), 0)
			for {
				res, _ := h.IPC.Recv(1, buf)
				if !res.Blocked {
					received = append(received, string(buf[:res.N]))
					break
				}
			}
		}
	}()

	wg.Wait()
	_ = a
	_ = b
	if len(received) != rounds {
		t.Fatalf("got %d round trips, want %d", len(received), rounds)
	}
	for _, r := range received {
		if r != "pong" {
			t.Fatalf("unexpected message %q", r)
		}
	}
}

// TestS4ForkWaitReapsChild implements spec.md §8 scenario S4's
// observable contract (fork/exit/wait, excluding exec which this core
// defers to an external loader): after wait4 returns, the reaped pid
// equals the child, the status encodes the exit code, and the child's
// slot is reusable. Driven through the real syscall dispatch path
// (FORK/EXIT/WAIT4), not a hand-rolled reap loop, so the scenario
// actually exercises sysWait4.
func TestS4ForkWaitReapsChild(t *testing.T) {
	h := NewHarness(1)
	parent := h.Sched.Spawn("P", percpu.Normal)
	mem := &fakeMem{backing: make([]byte, 4096)}

	childID := h.Sys.Dispatch(parent, 0, ksyscall.FORK, ksyscall.Args{}, mem)
	child, err := h.Tasks.Lookup(proc.ID(childID))
	if err != nil {
		t.Fatal(err)
	}

	h.Sys.Dispatch(child, 0, ksyscall.EXIT, ksyscall.Args{A0: 7}, mem)
	if child.State() != proc.Zombie {
		t.Fatalf("child state = %v, want Zombie", child.State())
	}

	reaped := h.Sys.Dispatch(parent, 0, ksyscall.WAIT4, ksyscall.Args{A0: uint64(childID), A1: 300}, mem)
	if reaped != childID {
		t.Fatalf("WAIT4 = %d, want %d", reaped, childID)
	}
	status := uint32(mem.backing[300]) | uint32(mem.backing[301])<<8
	if status>>8 != 7 {
		t.Fatalf("exit status = %d, want 7", status>>8)
	}
	if len(parent.Children()) != 0 {
		t.Fatal("parent should have no children left")
	}
	if _, err := h.Tasks.Lookup(proc.ID(childID)); err == nil {
		t.Fatal("child's task-table slot should be freed after reap")
	}
}

// TestS4ForkWaitBlocksUntilChildExits extends S4: wait4 for a live
// (non-zombie) child must not return EAGAIN — it blocks the caller and
// reports Blocked, exactly like sysRead/sysIPCRecv's own "may block"
// outcome, until the child actually exits.
func TestS4ForkWaitBlocksUntilChildExits(t *testing.T) {
	h := NewHarness(1)
	parent := h.Sched.Spawn("P", percpu.Normal)
	mem := &fakeMem{backing: make([]byte, 4096)}

	childID := h.Sys.Dispatch(parent, 0, ksyscall.FORK, ksyscall.Args{}, mem)
	child, _ := h.Tasks.Lookup(proc.ID(childID))

	r := h.Sys.Dispatch(parent, 0, ksyscall.WAIT4, ksyscall.Args{A0: uint64(childID)}, mem)
	if r != int64(ksyscall.Blocked) {
		t.Fatalf("WAIT4 on a live child = %d, want Blocked (%d)", r, ksyscall.Blocked)
	}
	if parent.State() != proc.Blocked {
		t.Fatalf("parent state = %v, want Blocked", parent.State())
	}

	parent.SetState(proc.Running)
	h.Sys.Dispatch(child, 0, ksyscall.EXIT, ksyscall.Args{A0: 3}, mem)

	r = h.Sys.Dispatch(parent, 0, ksyscall.WAIT4, ksyscall.Args{A0: uint64(childID)}, mem)
	if r != childID {
		t.Fatalf("WAIT4 after exit = %d, want %d", r, childID)
	}
}

// TestS6SignalAcrossCoresWithBlock implements spec.md §8 scenario S6:
// task A on core 0 blocks receiving on an empty port; task B on core 1
// sends SIGINT to A; A is made Ready, and on its next run observes the
// pending SIGINT with no custom handler (default action: terminate).
func TestS6SignalAcrossCoresWithBlock(t *testing.T) {
	h := NewHarness(2)
	a := h.Sched.Spawn("A", percpu.Normal)
	b := h.Sched.Spawn("B", percpu.Normal)
	a.HomeCore, b.HomeCore = 0, 1
	a.UID, b.UID = 0, 0

	res, err := h.IPC.Recv(5, make([]byte, 4))
	if err != nil || !res.Blocked {
		t.Fatalf("expected empty-port recv to report Blocked, got %+v %v", res, err)
	}
	h.Sched.BlockOnPort(a, 5)
	h.IPC.ParkWaiter(5, percpu.TaskID(a.ID))

	if err := signal.Send(b, a, signal.SIGINT); err != nil {
		t.Fatal(err)
	}

	h.IPC.RemoveWaiter(5, percpu.TaskID(a.ID))
	h.Sched.WakeFromPort(a, 1)

	if a.State() != proc.Ready {
		t.Fatalf("A state = %v, want Ready after signal wake", a.State())
	}

	d, ok := signal.Deliver(a)
	if !ok || d.Signum != signal.SIGINT {
		t.Fatalf("expected SIGINT delivery, got %+v, %v", d, ok)
	}
	if d.Action != signal.ActionTerminate {
		t.Fatalf("default action = %v, want ActionTerminate", d.Action)
	}
}

// TestS1PreemptionAcrossCoresRunsEveryPriority is a lighter-weight
// check of spec.md §8 scenario S1's structural claim: four tasks of
// priorities High/Normal/Normal/Low spread across two cores' runqueues
// and each core's PickNext surfaces every priority present on it over
// a full drain, rather than starving Low.
func TestS1PreemptionAcrossCoresRunsEveryPriority(t *testing.T) {
	h := NewHarness(2)
	prios := []percpu.Priority{percpu.High, percpu.Normal, percpu.Normal, percpu.Low}
	for _, p := range prios {
		h.Sched.Spawn("t", p)
	}

	seen := map[percpu.Priority]bool{}
	for core := 0; core < 2; core++ {
		for {
			id, ok := h.Sched.PickNext(core, 0)
			if !ok {
				break
			}
			task, _ := h.Tasks.Lookup(proc.ID(id))
			seen[task.Priority] = true
		}
	}
	for _, p := range prios {
		if !seen[p] {
			t.Fatalf("priority %v never scheduled", p)
		}
	}
}

// TestS5LoadBalanceCapsQueueLength is a structural check of spec.md
// §8 scenario S5: one core starts with 6 Normal tasks, three idle;
// after rebalancing passes, no runqueue exceeds 4.
func TestS5LoadBalanceCapsQueueLength(t *testing.T) {
	h := NewHarness(4)
	for i := 0; i < 6; i++ {
		tk := h.Tasks.Spawn("t", percpu.Normal)
		h.Sched.Area(0).Enqueue(percpu.Normal, percpu.TaskID(tk.ID))
	}

	for i := 0; i < 10; i++ {
		h.Sched.Rebalance()
	}

	for core := 0; core < 4; core++ {
		if n := h.Sched.Area(core).TotalReady(); n > 4 {
			t.Fatalf("core %d has %d ready tasks, want <= 4", core, n)
		}
	}
}
