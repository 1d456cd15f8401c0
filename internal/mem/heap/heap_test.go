package heap

import (
	"testing"

	"github.com/mello-os/kernel/internal/kerrno"
)

func TestAllocZeroSizeIsOutOfMemory(t *testing.T) {
	h := New(maxBlockSz)
	if _, err := h.Alloc(0); err != kerrno.OutOfMemory {
		t.Fatalf("got %v, want OutOfMemory", err)
	}
}

func TestAllocMaxBlockSucceedsOneByteOverFails(t *testing.T) {
	h := New(maxBlockSz)

	if _, err := h.Alloc(MaxBlockSize); err != nil {
		t.Fatalf("max-size alloc failed: %v", err)
	}

	h2 := New(maxBlockSz)
	if _, err := h2.Alloc(MaxBlockSize + 1); err != kerrno.OutOfMemory {
		t.Fatalf("got %v, want OutOfMemory for over-max request", err)
	}
}

func TestAllocFreeRoundTripRestoresFreeList(t *testing.T) {
	h := New(maxBlockSz)

	off, err := h.Alloc(128)
	if err != nil {
		t.Fatal(err)
	}
	h.Free(off, 128)

	// the free list must be back to a single max-order block so a
	// subsequent max-size allocation succeeds.
	if _, err := h.Alloc(MaxBlockSize); err != nil {
		t.Fatalf("heap not restored to single free block: %v", err)
	}
}

func TestBuddiesMergeOnFree(t *testing.T) {
	h := New(maxBlockSz)

	a, err := h.Alloc(minBlockSz)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.Alloc(minBlockSz)
	if err != nil {
		t.Fatal(err)
	}

	h.Free(a, minBlockSz)
	h.Free(b, minBlockSz)

	// both minimum-order blocks freed and merged repeatedly should
	// leave exactly one max-order block available.
	if _, err := h.Alloc(MaxBlockSize); err != nil {
		t.Fatalf("buddies did not merge back up: %v", err)
	}
}

func TestAllocIsZeroed(t *testing.T) {
	h := New(maxBlockSz)
	off, err := h.Alloc(256)
	if err != nil {
		t.Fatal(err)
	}
	buf := h.Bytes(off, 256)
	for i, b := range buf {
		buf[i] = 0xff
		_ = b
	}
	h.Free(off, 256)

	off2, err := h.Alloc(256)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range h.Bytes(off2, 256) {
		if b != 0 {
			t.Fatal("reallocated block not zeroed")
		}
	}
}

func TestFreeMismatchedSizePanics(t *testing.T) {
	h := New(maxBlockSz)
	off, err := h.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on mismatched free size")
		}
	}()
	h.Free(off, 128)
}
