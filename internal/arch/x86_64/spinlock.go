// Package x86_64 collects the architecture-specific primitives the
// rest of the kernel builds on: spinlocks and the local APIC / IPI
// interface. Grounded on Biscuit's lock and LAPIC code
// in cmd/kernel/main.go (cpus_start's icrw/initipi/startupipi closures)
// and tamago's amd64 CPU/LAPIC wrapper
// (_examples/other_examples/...usbarmory-tamago__amd64-smp.go.go).
package x86_64

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is spec.md §4.5's "plain spinlock": a single atomic boolean
// acquired with an acquire-ordered compare-exchange, released with a
// release store, with exponential backoff capped at a small constant.
type SpinLock struct {
	held atomic.Bool
}

// Lock spins until acquired.
func (l *SpinLock) Lock() {
	backoff := 1
	for !l.held.CompareAndSwap(false, true) {
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < 64 {
			backoff *= 2
		}
	}
}

// TryLock attempts to acquire without spinning.
func (l *SpinLock) TryLock() bool {
	return l.held.CompareAndSwap(false, true)
}

// Unlock releases the lock with a release store.
func (l *SpinLock) Unlock() {
	l.held.Store(false)
}

// IRQFlags is the saved interrupt-enable state from Pushcli/Popcli.
type IRQFlags uintptr

// irqController abstracts disabling/restoring local interrupts, so
// tests can run the locking discipline without real CLI/STI. The
// production implementation is backed by the CPU flags register.
type irqController interface {
	PushCLI() IRQFlags
	PopCLI(IRQFlags)
}

// defaultIRQ is overridden by arch init; tests inject a fake.
var defaultIRQ irqController = nopIRQ{}

type nopIRQ struct{}

func (nopIRQ) PushCLI() IRQFlags   { return 0 }
func (nopIRQ) PopCLI(IRQFlags) {}

// SetIRQController installs the real (or fake) CLI/STI backend.
func SetIRQController(c irqController) { defaultIRQ = c }

// IRQSpinLock is spec.md §4.5's "IRQ-safe spinlock": additionally
// saves and disables local interrupts on acquire and restores them on
// release. Per the lock-ordering rule "never hold an IRQ-safe
// spinlock across a blocking call" (spec.md §4.5 rule 4), callers must
// not yield while holding one.
type IRQSpinLock struct {
	inner SpinLock
	flags IRQFlags
}

// Lock disables interrupts, then spins for the lock.
func (l *IRQSpinLock) Lock() {
	f := defaultIRQ.PushCLI()
	l.inner.Lock()
	l.flags = f
}

// Unlock releases the lock, then restores the saved interrupt state.
func (l *IRQSpinLock) Unlock() {
	f := l.flags
	l.inner.Unlock()
	defaultIRQ.PopCLI(f)
}
