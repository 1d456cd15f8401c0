package region

import "testing"

func TestInsertRejectsOverlap(t *testing.T) {
	var tbl Table
	if err := tbl.Insert(Region{Start: 0x1000, Length: 0x1000, Perm: Read | Write}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert(Region{Start: 0x1800, Length: 0x1000, Perm: Read}); err == nil {
		t.Fatal("expected overlap rejection")
	}
}

func TestLookupAndRemove(t *testing.T) {
	var tbl Table
	tbl.Insert(Region{Start: 0x1000, Length: 0x1000, Perm: Read | Exec})

	r, ok := tbl.Lookup(0x1500)
	if !ok || r.Start != 0x1000 {
		t.Fatalf("Lookup failed: %+v, %v", r, ok)
	}

	if !tbl.Remove(0x1000) {
		t.Fatal("Remove failed")
	}
	if _, ok := tbl.Lookup(0x1500); ok {
		t.Fatal("region still present after Remove")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	var tbl Table
	tbl.Insert(Region{Start: 0, Length: 0x1000, Perm: Read})

	clone := tbl.Clone()
	clone.Insert(Region{Start: 0x2000, Length: 0x1000, Perm: Write})

	if len(tbl.All()) != 1 {
		t.Fatalf("original table mutated by clone: %+v", tbl.All())
	}
	if len(clone.All()) != 2 {
		t.Fatalf("clone missing inserted region: %+v", clone.All())
	}
}
