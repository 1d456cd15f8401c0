package smp

import (
	"sync"
	"testing"
	"time"

	"github.com/mello-os/kernel/internal/bootinfo"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []uint32
	// joinOnStartup simulates an AP whose firmware completes the
	// STARTUP sequence and immediately calls back into the registry.
	joinOnStartup func(apicID uint32)
}

func (f *fakeStarter) INITAssert(destAPICID uint32) {}

func (f *fakeStarter) StartupAP(destAPICID uint32, trampolinePage uintptr) {
	f.mu.Lock()
	f.started = append(f.started, destAPICID)
	f.mu.Unlock()
	if f.joinOnStartup != nil {
		go f.joinOnStartup(destAPICID)
	}
}

func testInfo() *bootinfo.Info {
	return &bootinfo.Info{
		Processors: []bootinfo.ProcessorEntry{
			{ID: 0, APICID: 0, IsBSP: true, Enabled: true},
			{ID: 1, APICID: 1, IsBSP: false, Enabled: true},
			{ID: 2, APICID: 2, IsBSP: false, Enabled: true},
		},
	}
}

func TestBringupJoinsAllAPs(t *testing.T) {
	reg := NewJoinRegistry([]uint32{1, 2})
	starter := &fakeStarter{joinOnStartup: reg.Joined}
	b := New(starter, reg, 0x8000)
	b.Sleep = func(time.Duration) {}
	b.Timeout = 2 * time.Second

	rep := b.Start(testInfo())

	if len(rep.Joined) != 2 || len(rep.Failed) != 0 {
		t.Fatalf("report = %+v, want both APs joined", rep)
	}
}

func TestBringupSkipsBSPAndDisabled(t *testing.T) {
	info := testInfo()
	info.Processors = append(info.Processors, bootinfo.ProcessorEntry{ID: 3, APICID: 3, Enabled: false})
	reg := NewJoinRegistry([]uint32{1, 2})
	starter := &fakeStarter{joinOnStartup: reg.Joined}
	b := New(starter, reg, 0x8000)
	b.Sleep = func(time.Duration) {}
	b.Timeout = 2 * time.Second

	b.Start(info)

	starter.mu.Lock()
	defer starter.mu.Unlock()
	for _, id := range starter.started {
		if id == 0 || id == 3 {
			t.Fatalf("should never send STARTUP to BSP or disabled core, sent to %d", id)
		}
	}
}

func TestBringupReportsNonFatalTimeout(t *testing.T) {
	reg := NewJoinRegistry([]uint32{1, 2})
	starter := &fakeStarter{} // never joins
	b := New(starter, reg, 0x8000)
	b.Sleep = func(time.Duration) {}
	b.Timeout = 10 * time.Millisecond

	rep := b.Start(testInfo())

	if len(rep.Failed) != 2 || len(rep.Joined) != 0 {
		t.Fatalf("report = %+v, want both APs marked failed (non-fatal)", rep)
	}
}

func TestBringupPartialJoin(t *testing.T) {
	reg := NewJoinRegistry([]uint32{1, 2})
	starter := &fakeStarter{joinOnStartup: func(apicID uint32) {
		if apicID == 1 {
			reg.Joined(apicID)
		}
		// apicID 2 never joins
	}}
	b := New(starter, reg, 0x8000)
	b.Sleep = func(time.Duration) {}
	b.Timeout = 20 * time.Millisecond

	rep := b.Start(testInfo())

	if len(rep.Joined) != 1 || rep.Joined[0] != 1 {
		t.Fatalf("joined = %v, want [1]", rep.Joined)
	}
	if len(rep.Failed) != 1 || rep.Failed[0] != 2 {
		t.Fatalf("failed = %v, want [2]", rep.Failed)
	}
}
