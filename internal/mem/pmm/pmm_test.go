package pmm

import (
	"testing"

	"github.com/mello-os/kernel/internal/bootinfo"
	"github.com/mello-os/kernel/internal/kerrno"
)

func testInfo() *bootinfo.Info {
	return &bootinfo.Info{
		Regions: []bootinfo.Region{
			{Base: 0, Size: 0x10000, Kind: bootinfo.Usable},
			{Base: 0x4000, Size: 0x1000, Kind: bootinfo.KernelImage},
		},
	}
}

func TestAllocFrameZeroesAndMarksInUse(t *testing.T) {
	var zeroed []Frame
	m := New(testInfo(), func(f Frame) { zeroed = append(zeroed, f) })

	f, err := m.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(zeroed) != 1 || zeroed[0] != f {
		t.Fatalf("frame %v was not zeroed before return", f)
	}

	// invariant 1 (spec.md §8): bitmap bit is 0 immediately after return.
	bit := int(f - m.baseFrame)
	if m.testBit(bit) {
		t.Fatalf("frame %v still marked free after alloc", f)
	}
}

func TestAllocFrameSkipsReservedRegion(t *testing.T) {
	m := New(testInfo(), nil)
	for i := 0; i < 15; i++ { // 16 frames, one of them reserved
		f, err := m.AllocFrame()
		if err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
		if f >= 4 && f < 5 {
			t.Fatalf("allocator returned reserved frame %v", f)
		}
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	m := New(testInfo(), nil)
	before := m.FreeFrames()

	f, err := m.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	m.FreeFrame(f)

	if after := m.FreeFrames(); after != before {
		t.Fatalf("free count after round-trip = %d, want %d", after, before)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	m := New(testInfo(), nil)
	f, _ := m.AllocFrame()
	m.FreeFrame(f)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	m.FreeFrame(f)
}

func TestOutOfMemory(t *testing.T) {
	info := &bootinfo.Info{Regions: []bootinfo.Region{{Base: 0, Size: FrameSize, Kind: bootinfo.Usable}}}
	m := New(info, nil)

	if _, err := m.AllocFrame(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AllocFrame(); err != kerrno.OutOfMemory {
		t.Fatalf("got %v, want OutOfMemory", err)
	}
}

func TestAllocContiguousRespectsAlignment(t *testing.T) {
	m := New(testInfo(), nil)

	base, err := m.AllocContiguous(4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if int(base)%4 != 0 {
		t.Fatalf("base %v not aligned to 4", base)
	}
	for i := Frame(0); i < 4; i++ {
		bit := int(base + i - m.baseFrame)
		if m.testBit(bit) {
			t.Fatalf("contiguous frame %v not marked in-use", base+i)
		}
	}
}

func TestAllocContiguousRejectsBadAlignment(t *testing.T) {
	m := New(testInfo(), nil)
	if _, err := m.AllocContiguous(2, 3); err != kerrno.InvalidArgument {
		t.Fatalf("got %v, want InvalidArgument", err)
	}
}
