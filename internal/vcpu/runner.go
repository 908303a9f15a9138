package vcpu

import "github.com/duvisor/duvisor/internal/stage2"

// Cause identifies the host-reported trap reason; the high bit set marks an
// interrupt rather than an exception (spec.md §4.2: "IRQ branch (high bit
// set)").
type Cause uint64

const causeInterruptBit Cause = 1 << 63

// IsInterrupt reports whether c is an interrupt cause rather than an
// exception.
func (c Cause) IsInterrupt() bool { return c&causeInterruptBit != 0 }

// Exception code space (low bits of Cause when IsInterrupt is false).
const (
	CauseVirtualInstruction Cause = 22
	CauseGuestLoadFault     Cause = 21
	CauseGuestStoreFault    Cause = 23
	CauseGuestInstFault     Cause = 20
	CauseSupervisorECall    Cause = 10
)

// Interrupt code space (low bits of Cause when IsInterrupt is true).
const (
	InterruptUTimer Cause = causeInterruptBit | 4
	InterruptUSoft  Cause = causeInterruptBit | 0
)

// SentinelShutdownEID ends a vCPU's loop for tests without going through
// the process-wide shutdown flag (spec.md §4.2: "a specific sentinel EID
// (0xFF) ends the vCPU for test").
const SentinelShutdownEID = 0xFF

// GuestRunner performs one world-switch cycle: load Context's guest side,
// enter the guest via the trap-delegation trampoline, and on return fill in
// Context's trap frame describing why control came back. The trampoline
// itself is hand-written assembly outside this module's scope; GuestRunner
// is the calling contract the loop programs against, the same way the
// teacher's KVM backend programs against the KVM_RUN ioctl rather than
// hosting a hypervisor loop of its own in Go.
type GuestRunner interface {
	EnterGuest(ctx *Context) error
}

// Driver registers/unregisters the calling OS thread for delegated traps.
type Driver interface {
	RegisterVCPU() error
	UnregisterVCPU() error
}

// VipiRegistrar installs a vCPU's vipi-id mapping into the vipi engine and
// the per-CPU identification CSR.
type VipiRegistrar interface {
	VCPURegist(vcpuID int, vipiID uint32) error
}

// PageTableRoot supplies the stage-2 root physical address to install into
// HGATP before the first guest entry.
type PageTableRoot interface {
	RootHPA() uint64
}

// PLIC is the register-level surface the loop dispatches to directly for
// addresses inside the PLIC's window ("the PLIC range is handled inline",
// spec.md §4.2), mirroring mmiobus.Device so internal/plic.PLIC satisfies
// it without adaptation.
type PLIC interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// MMIOBus dispatches a non-PLIC MMIO access to the device owning addr.
type MMIOBus interface {
	Read(addr uint64, size int) (uint64, error)
	Write(addr uint64, size int, value uint64) error
}

// SBI emulates a guest ecall and returns the (a0, a1) values to write back.
type SBI interface {
	Call(vcpuID int, a0, a1, a2, a3, a4, a5, a6, a7 uint64) (uint64, uint64)
}

// StageFaultHandler resolves a guest page fault: map the missing page,
// report a permission fault, or classify the address as device/MMIO/memory.
type StageFaultHandler interface {
	HandleFault(gpa uint64, write, exec bool) (stage2.FaultOutcome, error)
}

// GuestMemReader fetches the raw faulting instruction bytes for MMIO
// decode when the hardware doesn't deliver a synthetic trap-instruction
// value.
type GuestMemReader interface {
	ReadInstruction(gva uint64) (uint32, error)
}
