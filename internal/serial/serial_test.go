package serial

import "testing"

type fakeUART struct {
	out []byte
}

func (f *fakeUART) Ready() bool    { return true }
func (f *fakeUART) PutByte(b byte) { f.out = append(f.out, b) }

func TestPrintfWritesBackend(t *testing.T) {
	f := &fakeUART{}
	Init(f)
	defer Init(nil)

	Printf("hello %d\n", 7)

	if got, want := string(f.out), "hello 7\n"; got != want {
		t.Fatalf("backend got %q, want %q", got, want)
	}
}

func TestSnapshotWrapsRing(t *testing.T) {
	Init(nil)
	head = 0
	for i := range ring {
		ring[i] = 0
	}

	for i := 0; i < len(ring)+10; i++ {
		Printf("x")
	}

	snap := Snapshot()
	if len(snap) != len(ring) {
		t.Fatalf("snapshot len = %d, want %d", len(snap), len(ring))
	}
	for _, b := range snap {
		if b != 'x' {
			t.Fatalf("snapshot contains unexpected byte %q", b)
		}
	}
}

func TestPanicHalts(t *testing.T) {
	halted := false
	SetHalt(func() { halted = true })
	defer SetHalt(func() { select {} })

	Init(nil)
	Panic(2, 7, "runqueue invariant violated")

	if !halted {
		t.Fatal("Panic did not invoke halt")
	}
}
