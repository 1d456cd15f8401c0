package proc

import (
	"testing"

	"github.com/mello-os/kernel/internal/percpu"
)

func TestSpawnAssignsIncreasingIDs(t *testing.T) {
	pt := NewTable()
	a := pt.Spawn("init", percpu.Normal)
	b := pt.Spawn("shell", percpu.Normal)
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("ids = %d, %d; want 1, 2", a.ID, b.ID)
	}
	if a.State() != Ready || b.State() != Ready {
		t.Fatal("new tasks should start Ready")
	}
}

func TestLookupAndRemove(t *testing.T) {
	pt := NewTable()
	a := pt.Spawn("a", percpu.Normal)

	got, err := pt.Lookup(a.ID)
	if err != nil || got != a {
		t.Fatalf("Lookup failed: %v %v", got, err)
	}

	pt.Remove(a.ID)
	if _, err := pt.Lookup(a.ID); err == nil {
		t.Fatal("expected NoSuchProcess after Remove")
	}
}

func TestCompareAndSetStateRejectsWrongFrom(t *testing.T) {
	pt := NewTable()
	a := pt.Spawn("a", percpu.Normal)

	if !a.CompareAndSetState(Ready, Running) {
		t.Fatal("Ready->Running should succeed")
	}
	if a.CompareAndSetState(Ready, Sleeping) {
		t.Fatal("transition from stale state should fail")
	}
	if a.State() != Running {
		t.Fatalf("state = %v, want Running", a.State())
	}
}

func TestSignalPendingMaskInteraction(t *testing.T) {
	pt := NewTable()
	a := pt.Spawn("a", percpu.Normal)

	a.RaiseSignal(9)
	if a.Deliverable() == 0 {
		t.Fatal("signal 9 should be deliverable with empty mask")
	}

	a.Mask = 1 << 9
	if a.Deliverable() != 0 {
		t.Fatal("masked signal should not be deliverable")
	}

	a.Mask = 0
	if !a.ClearSignal(9) {
		t.Fatal("ClearSignal should report the bit had been set")
	}
	if a.Deliverable() != 0 {
		t.Fatal("cleared signal should no longer be pending")
	}
}

func TestChildBookkeeping(t *testing.T) {
	pt := NewTable()
	parent := pt.Spawn("parent", percpu.Normal)
	child := pt.Spawn("child", percpu.Normal)

	parent.AddChild(child.ID)
	kids := parent.Children()
	if len(kids) != 1 || kids[0] != child.ID {
		t.Fatalf("children = %v, want [%v]", kids, child.ID)
	}

	parent.RemoveChild(child.ID)
	if len(parent.Children()) != 0 {
		t.Fatal("child should be removed")
	}
}

func TestSnapshotConsistentUnderSeqlock(t *testing.T) {
	pt := NewTable()
	a := pt.Spawn("a", percpu.Normal)
	a.SetState(Running)

	snap := a.Snapshot()
	if snap.ID != a.ID || snap.State != Running || snap.Name != "a" {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
}

func TestInGroupFiltersByPGID(t *testing.T) {
	pt := NewTable()
	a := pt.Spawn("a", percpu.Normal)
	b := pt.Spawn("b", percpu.Normal)
	b.PGID = a.PGID

	members := pt.InGroup(a.PGID)
	if len(members) != 2 {
		t.Fatalf("InGroup returned %d members, want 2", len(members))
	}
}
