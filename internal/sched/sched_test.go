package sched

import (
	"testing"

	"github.com/mello-os/kernel/internal/percpu"
	"github.com/mello-os/kernel/internal/proc"
)

type fakeSwitcher struct{ calls int }

func (f *fakeSwitcher) Switch(from, to *proc.Context) { f.calls++ }

type fakeIPI struct{ lastAPICID uint32; calls int }

func (f *fakeIPI) SendReschedule(apicID uint32) { f.lastAPICID = apicID; f.calls++ }

func newTestScheduler(numCores int) (*Scheduler, *proc.Table, *fakeSwitcher, *fakeIPI) {
	tasks := proc.NewTable()
	sw := &fakeSwitcher{}
	ipi := &fakeIPI{}
	s := New(tasks, sw, ipi, numCores)
	return s, tasks, sw, ipi
}

func TestSpawnPlacesOnLeastLoadedCore(t *testing.T) {
	s, _, _, _ := newTestScheduler(2)
	a := s.Spawn("a", percpu.Normal)
	b := s.Spawn("b", percpu.Normal)
	if a.HomeCore == b.HomeCore {
		t.Fatalf("expected spawn to balance across cores, both landed on %d", a.HomeCore)
	}
}

func TestPickNextHighestPriorityFirst(t *testing.T) {
	s, tasks, _, _ := newTestScheduler(1)
	low := tasks.Spawn("low", percpu.Low)
	high := tasks.Spawn("high", percpu.High)
	s.Area(0).Enqueue(percpu.Low, percpu.TaskID(low.ID))
	s.Area(0).Enqueue(percpu.High, percpu.TaskID(high.ID))

	next, ok := s.PickNext(0, 0)
	if !ok || next != percpu.TaskID(high.ID) {
		t.Fatalf("PickNext = %v, %v; want high-priority task", next, ok)
	}
}

func TestPickNextWakesDueSleepers(t *testing.T) {
	s, tasks, _, _ := newTestScheduler(1)
	sleeper := tasks.Spawn("sleeper", percpu.Normal)
	sleeper.SetState(proc.Sleeping)
	s.Area(0).Sleep(percpu.TaskID(sleeper.ID), 10)

	if _, ok := s.PickNext(0, 5); ok {
		t.Fatal("sleeper should not be ready before its wake tick")
	}
	next, ok := s.PickNext(0, 10)
	if !ok || next != percpu.TaskID(sleeper.ID) {
		t.Fatalf("PickNext(0, 10) = %v, %v; want sleeper ready", next, ok)
	}
}

func TestRunTransitionsOutgoingBackToReady(t *testing.T) {
	s, tasks, sw, _ := newTestScheduler(1)
	running := tasks.Spawn("running", percpu.Normal)
	running.SetState(proc.Running)
	idle := tasks.Spawn("idle", percpu.Normal)
	s.Area(0).Idle = percpu.TaskID(idle.ID)
	peer := tasks.Spawn("peer", percpu.Normal)
	s.Area(0).Enqueue(percpu.Normal, percpu.TaskID(peer.ID))

	s.Run(0, 0, running)

	if running.State() != proc.Ready {
		t.Fatalf("outgoing task state = %v, want Ready", running.State())
	}
	if sw.calls == 0 {
		t.Fatal("expected context switch to be invoked")
	}
}

func TestBlockOnPortThenWakeFromPortReenqueues(t *testing.T) {
	s, tasks, _, ipi := newTestScheduler(2)
	task := tasks.Spawn("receiver", percpu.Normal)
	task.HomeCore = 1
	task.SetState(proc.Running)

	s.BlockOnPort(task, 7)
	if task.State() != proc.Blocked || !task.HasBlockedPort {
		t.Fatalf("expected Blocked with port recorded, got %v %v", task.State(), task.HasBlockedPort)
	}

	s.WakeFromPort(task, 0) // caller on core 0, task homed on core 1
	if task.State() != proc.Ready {
		t.Fatalf("state after wake = %v, want Ready", task.State())
	}
	if ipi.calls != 1 || ipi.lastAPICID != s.Area(1).APICID {
		t.Fatalf("expected reschedule IPI to core 1, got calls=%d apic=%d", ipi.calls, ipi.lastAPICID)
	}

	next, ok := s.PickNext(1, 0)
	if !ok || next != percpu.TaskID(task.ID) {
		t.Fatal("woken task should be back on its home core's runqueue")
	}
}

func TestWakeFromPortSameCoreSendsNoIPI(t *testing.T) {
	s, tasks, _, ipi := newTestScheduler(1)
	task := tasks.Spawn("receiver", percpu.Normal)
	task.HomeCore = 0
	task.SetState(proc.Blocked)

	s.WakeFromPort(task, 0)
	if ipi.calls != 0 {
		t.Fatal("waking a task on the caller's own core should not send an IPI")
	}
}

func TestRebalanceMigratesFromLoadedToIdle(t *testing.T) {
	s, tasks, _, _ := newTestScheduler(2)
	for i := 0; i < 5; i++ {
		tk := tasks.Spawn("t", percpu.Normal)
		s.Area(0).Enqueue(percpu.Normal, percpu.TaskID(tk.ID))
	}

	s.Rebalance()

	if s.Area(0).TotalReady() != 4 || s.Area(1).TotalReady() != 1 {
		t.Fatalf("after rebalance: core0=%d core1=%d, want 4 and 1",
			s.Area(0).TotalReady(), s.Area(1).TotalReady())
	}
}

func TestRebalanceNoOpWithinThreshold(t *testing.T) {
	s, tasks, _, _ := newTestScheduler(2)
	for i := 0; i < 2; i++ {
		tk := tasks.Spawn("t", percpu.Normal)
		s.Area(0).Enqueue(percpu.Normal, percpu.TaskID(tk.ID))
	}
	s.Rebalance()
	if s.Area(0).TotalReady() != 2 || s.Area(1).TotalReady() != 0 {
		t.Fatal("difference of 2 is within threshold, should not migrate")
	}
}

func TestOnTickReportsPreemptGateFromPreemptDisable(t *testing.T) {
	s, _, _, _ := newTestScheduler(1)
	_, preempt := s.OnTick(0)
	if !preempt {
		t.Fatal("expected preemptible when PreemptDisable is zero")
	}

	s.Area(0).PreemptDisable.Add(1)
	_, preempt = s.OnTick(0)
	if preempt {
		t.Fatal("expected non-preemptible while PreemptDisable > 0")
	}
}
