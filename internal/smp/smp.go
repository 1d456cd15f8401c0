// Package smp orchestrates SMP bring-up on top of the x86_64 package's
// LAPIC/IPI primitives, implementing spec.md §4.5's BSP/AP startup
// sequencing: the INIT+STARTUP two-signal protocol, a per-AP join
// timeout, and non-fatal handling of an AP that never joins.
// Grounded on Biscuit's cpus_start/ap_entry handshake in
// cmd/kernel/main.go (the "numcpus starts at 1... each core bumps it
// on ack" pattern), adapted to report failures per core rather than
// panicking the boot.
package smp

import (
	"sync"
	"time"

	"github.com/mello-os/kernel/internal/bootinfo"
)

// Starter is the subset of x86_64.LAPIC that bring-up needs: the
// INIT-assert and STARTUP-IPI steps.
type Starter interface {
	INITAssert(destAPICID uint32)
	StartupAP(destAPICID uint32, trampolinePage uintptr)
}

// Sleeper lets tests substitute an instant no-op for the mandated
// inter-signal delay the SDM requires between INIT and STARTUP.
type Sleeper func(d time.Duration)

// JoinRegistry tracks which APs have signaled that they reached Go
// code on their own kernel stack, the "AP join" spec.md §4.5 requires
// bring-up to wait for. An AP signals by calling Joined once it has
// initialized its own percpu.Area.
type JoinRegistry struct {
	mu     sync.Mutex
	joined map[uint32]chan struct{}
}

// NewJoinRegistry prepares a registry expecting joins from the given
// APIC ids.
func NewJoinRegistry(apicIDs []uint32) *JoinRegistry {
	r := &JoinRegistry{joined: make(map[uint32]chan struct{}, len(apicIDs))}
	for _, id := range apicIDs {
		r.joined[id] = make(chan struct{})
	}
	return r
}

// Joined is called by (a simulation of) the AP once it is running.
func (r *JoinRegistry) Joined(apicID uint32) {
	r.mu.Lock()
	ch, ok := r.joined[apicID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// wait blocks until apicID joins or timeout elapses, returning whether
// it joined.
func (r *JoinRegistry) wait(apicID uint32, timeout time.Duration) bool {
	r.mu.Lock()
	ch := r.joined[apicID]
	r.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// JoinTimeout is spec.md §4.5's 100ms non-fatal AP-join timeout.
const JoinTimeout = 100 * time.Millisecond

// interSignalDelay is the SDM-mandated delay between the INIT IPI and
// the first STARTUP IPI; real hardware needs ~10ms, tests set
// Bringup.Sleep to a no-op to make bring-up instant.
const interSignalDelay = 10 * time.Millisecond

// Report summarizes a bring-up pass: which APs joined within the
// timeout and which did not (a non-fatal condition spec.md §4.5 calls
// for; a failed AP simply never contributes a core to the scheduler).
type Report struct {
	Joined []uint32
	Failed []uint32
}

// Bringup drives the two-signal AP startup protocol for every
// processor entry in info other than the BSP.
type Bringup struct {
	Starter       Starter
	Registry      *JoinRegistry
	TrampolinePage uintptr
	Sleep         Sleeper
	Timeout       time.Duration
}

// New constructs a Bringup with production defaults (real sleep,
// spec.md's 100ms timeout).
func New(starter Starter, registry *JoinRegistry, trampolinePage uintptr) *Bringup {
	return &Bringup{
		Starter: starter, Registry: registry, TrampolinePage: trampolinePage,
		Sleep: time.Sleep, Timeout: JoinTimeout,
	}
}

// Start brings up every enabled, non-BSP processor in info, returning
// a Report of which joined in time. Each AP is started sequentially
// (matching Biscuit's cpus_start loop) so a wedged AP's timeout does
// not block the others indefinitely beyond its own wait.
func (b *Bringup) Start(info *bootinfo.Info) Report {
	var rep Report
	for _, p := range info.Processors {
		if p.IsBSP || !p.Enabled {
			continue
		}
		b.Starter.INITAssert(p.APICID)
		b.Sleep(interSignalDelay)
		b.Starter.StartupAP(p.APICID, b.TrampolinePage)
		b.Sleep(200 * time.Microsecond)
		b.Starter.StartupAP(p.APICID, b.TrampolinePage) // second STARTUP per SDM

		if b.Registry.wait(p.APICID, b.Timeout) {
			rep.Joined = append(rep.Joined, p.APICID)
		} else {
			rep.Failed = append(rep.Failed, p.APICID)
		}
	}
	return rep
}
