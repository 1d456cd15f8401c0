package x86_64

import (
	"sync/atomic"
)

// Fixed interrupt vectors, spec.md §6.
const (
	VectorAPICTimer    = 32
	VectorReschedule   = 48
	VectorTLBShootdown = 49
	VectorSyscallLegacy = 0x80
)

// delivery modes and ICR bit layout, grounded on the icrw/ipilow
// helpers in Biscuit's cpus_start (cmd/kernel/main.go).
const (
	icrDelivFixed = 0x0
	icrDelivInit  = 0x5
	icrDelivStart = 0x6

	icrDestSelf    = 1
	icrDestAll     = 2
	icrDestAllButSelf = 3

	icrBusySendPending = uint32(1 << 12)
)

// LAPICRegs is the subset of the local APIC's memory-mapped registers
// the kernel touches: the ICR for sending IPIs and EOI to end an
// interrupt. Production maps this at 0xfee00000 (the fixed address
// Biscuit's lap_id()/cpus_start use); tests substitute an in-memory
// fake.
type LAPICRegs interface {
	ReadICRLow() uint32
	WriteICR(high, low uint32)
	WriteEOI()
	ID() uint32
}

// LAPIC wraps the registers with the IPI primitives spec.md §4.5
// names: the reschedule IPI and the TLB-shootdown IPI, plus the INIT
// + STARTUP sequence used during SMP bring-up (§4.5).
type LAPIC struct {
	Regs LAPICRegs
}

func ipiLow(dest int, vector int, deliv int) uint32 {
	return uint32(dest<<18 | deliv<<8 | vector)
}

// sendIPI writes the ICR and busy-waits for the send-pending bit to
// clear, matching Biscuit's icrw closure.
func (l *LAPIC) sendIPI(dest int, vector, deliv int) {
	l.Regs.WriteICR(0, ipiLow(dest, vector, deliv))
	for l.Regs.ReadICRLow()&icrBusySendPending != 0 {
	}
}

// SendReschedule sends the reschedule IPI to a specific destination
// core's LAPIC id.
func (l *LAPIC) SendReschedule(destAPICID uint32) {
	l.sendIPIPhysical(destAPICID, VectorReschedule)
}

// SendTLBShootdown sends the TLB-shootdown IPI to a specific core.
func (l *LAPIC) SendTLBShootdown(destAPICID uint32) {
	l.sendIPIPhysical(destAPICID, VectorTLBShootdown)
}

func (l *LAPIC) sendIPIPhysical(destAPICID uint32, vector int) {
	high := destAPICID << 24
	low := ipiLow(0, vector, icrDelivFixed)
	l.Regs.WriteICR(high, low)
	for l.Regs.ReadICRLow()&icrBusySendPending != 0 {
	}
}

// INITAssert and StartupAP implement the two-signal AP startup
// protocol from spec.md §4.5: an INIT IPI (assert) followed, after a
// mandated delay the caller is responsible for, by up to two STARTUP
// IPIs pointing at the low-memory trampoline page.
func (l *LAPIC) INITAssert(destAPICID uint32) {
	high := destAPICID << 24
	low := ipiLow(0, 0, icrDelivInit) | 1<<14 // level-assert, no shorthand: the destination field selects the AP
	l.Regs.WriteICR(high, low)
}

// StartupAP sends a single STARTUP IPI pointing at the trampoline
// page (vector encodes the page's physical address >> 12, per the
// Intel SDM and Biscuit's startupipi closure).
func (l *LAPIC) StartupAP(destAPICID uint32, trampolinePage uintptr) {
	vector := int(trampolinePage >> 12)
	high := destAPICID << 24
	low := ipiLow(0, vector, icrDelivStart)
	l.Regs.WriteICR(high, low)
}

// EOI signals end-of-interrupt; called from the reschedule/timer
// handler before invoking the scheduler, per spec.md §4.5.
func (l *LAPIC) EOI() { l.Regs.WriteEOI() }

// ShootdownRequest is the {start, end, acknowledgment counter} record
// spec.md §4.5 describes for a TLB shootdown.
type ShootdownRequest struct {
	Start uintptr
	End   uintptr
	acked atomic.Int32
	want  int32
}

// NewShootdownRequest prepares a request targeting `want` remote
// cores.
func NewShootdownRequest(start, end uintptr, want int) *ShootdownRequest {
	return &ShootdownRequest{Start: start, End: end, want: int32(want)}
}

// Ack is called by the remote core's TLB-shootdown IPI handler after
// invalidating the range locally.
func (r *ShootdownRequest) Ack() { r.acked.Add(1) }

// Wait spin-waits (with a relaxed hint loop, per spec.md §4.5) until
// every targeted core has acknowledged.
func (r *ShootdownRequest) Wait() {
	for r.acked.Load() < r.want {
		relaxedHint()
	}
}

// relaxedHint is a var so tests don't actually spin a hot loop; the
// production value issues a PAUSE instruction.
var relaxedHint = func() {}
