// Package serial implements the kernel's boot-time logger: a
// line-buffered writer over a fixed-address UART MMIO region. It is
// the first subsystem brought up (spec.md §2 dependency order: serial
// logger before PMM) since every later subsystem's init path wants to
// report failure.
//
// Modeled on Biscuit's console plumbing in cmd/kernel/main.go
// (cons_t, kbd_daemon) and gopheros's kfmt package, which both funnel
// formatted output through a single MMIO-backed writer rather than a
// hosted os.Stdout.
package serial

import (
	"fmt"
	"sync"
)

// Port is the conventional COM1 I/O port base used by the legacy UART
// the bootloader leaves enabled.
const Port = 0x3f8

// mmio abstracts the byte-at-a-time register writes a real UART
// needs. The production implementation is uartIO in cmd/kernel, which
// reaches the COM1 UART registers through an MMIO mapping; tests substitute an in-memory sink so the
// formatting and locking logic can run under `go test`.
type mmio interface {
	PutByte(b byte)
	Ready() bool
}

var (
	mu      sync.Mutex
	backend mmio
	ring    [4096]byte
	head    int
)

// Init installs the MMIO backend. Called exactly once during early
// boot before any other subsystem logs.
func Init(m mmio) {
	mu.Lock()
	defer mu.Unlock()
	backend = m
}

// Printf writes a formatted line to the serial console and to the
// in-memory ring buffer /proc exposes as the kernel log. It is safe to
// call from any core; interrupts must already be disabled by the
// caller when called from trap context, matching spec.md's rule that
// trapstub-level code must not have side effects that could race with
// itself (§3 TCB note, §4.6 fast entry/exit).
func Printf(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < len(s); i++ {
		ring[head%len(ring)] = s[i]
		head++
	}
	if backend == nil {
		return
	}
	for i := 0; i < len(s); i++ {
		for !backend.Ready() {
		}
		backend.PutByte(s[i])
	}
}

// Panic formats a fatal kernel-internal invariant violation with the
// core-id, task-id prefix required by spec.md §7 and halts. coreID and
// taskID are -1 when not yet known (e.g. during very early boot).
func Panic(coreID, taskID int, format string, args ...any) {
	Printf("panic: core=%d task=%d: %s\n", coreID, taskID, fmt.Sprintf(format, args...))
	halt()
}

// halt is the point of no return after a fatal panic; it is a var so
// tests can intercept it instead of stopping the test binary.
var halt = func() { select {} }

// SetHalt overrides the halt behavior; used only by tests.
func SetHalt(f func()) { halt = f }

// Snapshot returns the most recent log bytes, oldest first, for
// /proc-style inspection. It never blocks and never allocates beyond
// the returned slice, matching the lock-free-reader spirit of §4.10
// (the ring buffer itself is still read under mu, since unlike a TCB
// sequence counter the log has no natural retry point for a torn
// read).
func Snapshot() []byte {
	mu.Lock()
	defer mu.Unlock()
	if head < len(ring) {
		out := make([]byte, head)
		copy(out, ring[:head])
		return out
	}
	out := make([]byte, len(ring))
	start := head % len(ring)
	copy(out, ring[start:])
	copy(out[len(ring)-start:], ring[:start])
	return out
}
