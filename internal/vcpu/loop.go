package vcpu

import (
	"fmt"
	"sync/atomic"

	"github.com/duvisor/duvisor/internal/stage2"
)

// Pending-IRQ bits flushed into the guest interrupt-pending CSR on loop
// entry (spec.md §3 "vCPU runtime state").
const (
	PendingVSSoft uint64 = 1 << iota
	PendingVSTimer
	PendingVSExt
)

// ExitReason is the terminal state the loop's demultiplexer can settle on.
type ExitReason int32

const (
	ExitReasonNone ExitReason = iota
	ExitReasonShutdown
	ExitReasonFatal
	ExitReasonTestSentinel
)

// VCPU is one virtual CPU's runtime state: identity, the register context
// the trampoline reads/writes directly, and the atomic fields the PLIC and
// SBI emulator touch from other vCPUs' threads.
type VCPU struct {
	id  int
	ctx Context

	isRunning  atomic.Bool
	pending    atomic.Uint64
	exitReason atomic.Int32
	tid        atomic.Int32 // OS thread id, set once the loop starts

	vipiID   uint32
	plicBase uint64

	driver   Driver
	vipi     VipiRegistrar
	pages    PageTableRoot
	plic     PLIC
	bus      MMIOBus
	sbi      SBI
	faults   StageFaultHandler
	guestMem GuestMemReader
	runner   GuestRunner

	shutdown *atomic.Bool // process-wide shutdown flag, shared across vCPUs
}

// Config bundles a VCPU's host-side collaborators, each a narrow interface
// seam implemented elsewhere (plic.PLIC, sbi.Emulator, stage2.MMU, ...).
type Config struct {
	ID       int
	VipiID   uint32
	PLICBase uint64
	Driver   Driver
	Vipi     VipiRegistrar
	Pages    PageTableRoot
	PLIC     PLIC
	Bus      MMIOBus
	SBI      SBI
	Faults   StageFaultHandler
	GuestMem GuestMemReader
	Runner   GuestRunner
	Shutdown *atomic.Bool
}

// New constructs a VCPU from cfg.
func New(cfg Config) *VCPU {
	return &VCPU{
		id:       cfg.ID,
		vipiID:   cfg.VipiID,
		plicBase: cfg.PLICBase,
		driver:   cfg.Driver,
		vipi:     cfg.Vipi,
		pages:    cfg.Pages,
		plic:     cfg.PLIC,
		bus:      cfg.Bus,
		sbi:      cfg.SBI,
		faults:   cfg.Faults,
		guestMem: cfg.GuestMem,
		runner:   cfg.Runner,
		shutdown: cfg.Shutdown,
	}
}

// ID returns the vCPU's index within its VM.
func (v *VCPU) ID() int { return v.id }

// Context exposes the register file for tests and initialization.
func (v *VCPU) Context() *Context { return &v.ctx }

// IsRunning reports whether the vCPU is currently resident in the guest.
func (v *VCPU) IsRunning() bool { return v.isRunning.Load() }

// ExitReason returns the loop's terminal state, valid once ThreadRun
// returns.
func (v *VCPU) ExitReason() ExitReason { return ExitReason(v.exitReason.Load()) }

// SetSBI installs the ecall emulator after construction. The emulator's own
// constructor takes an IPITarget implemented by vcpu.Registry, which in
// turn is built from the full vCPU slice, so the SBI collaborator cannot
// be known until every VCPU already exists; this mirrors
// internal/plic.PLIC.SetNotifier's deferred wiring for the same reason.
func (v *VCPU) SetSBI(s SBI) { v.sbi = s }

// SetVSExtPending implements plic.Notifier: sets or clears the VS-EXT
// pending bit and reports whether the vCPU is currently running.
func (v *VCPU) SetVSExtPending(pending bool) (running bool) {
	v.setPendingBit(PendingVSExt, pending)
	return v.IsRunning()
}

// SetVSSoftPending implements the soft-IRQ half of plic.Notifier.
func (v *VCPU) SetVSSoftPending() (running bool) {
	v.setPendingBit(PendingVSSoft, true)
	return v.IsRunning()
}

// SetVSTimerPending posts a VS-timer interrupt from software, used by the
// SBI timer engine standing in for the real stimecmp hardware comparator
// (spec.md §4.4 "the guest re-arms as needed").
func (v *VCPU) SetVSTimerPending() (running bool) {
	v.setPendingBit(PendingVSTimer, true)
	return v.IsRunning()
}

// ClearVSTimerPending drops the synthesized pending bit, called when the
// guest programs a new deadline (spec.md §4.4 EID 0x00: "ClearPendingVSTimer").
func (v *VCPU) ClearVSTimerPending() {
	v.setPendingBit(PendingVSTimer, false)
}

func (v *VCPU) setPendingBit(bit uint64, set bool) {
	for {
		old := v.pending.Load()
		var next uint64
		if set {
			next = old | bit
		} else {
			next = old &^ bit
		}
		if v.pending.CompareAndSwap(old, next) {
			return
		}
	}
}

// preLoop performs the ordered setup spec.md §4.2 requires before the first
// guest entry.
func (v *VCPU) preLoop() error {
	if err := v.driver.RegisterVCPU(); err != nil {
		return fmt.Errorf("vcpu %d: register with driver: %w", v.id, err)
	}
	if err := v.vipi.VCPURegist(v.id, v.vipiID); err != nil {
		return fmt.Errorf("vcpu %d: register vipi id: %w", v.id, err)
	}

	v.ctx.GuestTrap.HGATP = v.pages.RootHPA()
	// The trap-exit trampoline address and U-timer/U-soft enable bits live
	// in HostSystem CSRs the assembly prologue owns; this Go layer only
	// prepares the guest-visible halves of the context plus the timebase
	// delta so the guest's time source matches a monotonic origin.
	v.ctx.GuestTrap.TimeDelta = 0

	return nil
}

// ThreadRun is invoked once per vCPU thread (spec.md §4.2). It runs the
// pre-loop setup, then repeatedly enters the guest and demultiplexes the
// resulting trap until a terminal exit reason is reached.
func (v *VCPU) ThreadRun() error {
	if err := v.preLoop(); err != nil {
		v.exitReason.Store(int32(ExitReasonFatal))
		return err
	}
	defer v.driver.UnregisterVCPU()

	for {
		if v.shutdown.Load() {
			v.exitReason.Store(int32(ExitReasonShutdown))
			return nil
		}

		v.flushPendingIRQs()

		v.isRunning.Store(true)
		err := v.runner.EnterGuest(&v.ctx)
		v.isRunning.Store(false)

		if err != nil {
			v.exitReason.Store(int32(ExitReasonFatal))
			return fmt.Errorf("vcpu %d: enter guest: %w", v.id, err)
		}

		terminal, err := v.demux()
		if err != nil {
			v.exitReason.Store(int32(ExitReasonFatal))
			return err
		}
		if terminal {
			return nil
		}
	}
}

// flushPendingIRQs writes the accumulated pending bitmap into the guest
// interrupt-pending CSR (SIP) ahead of guest entry.
func (v *VCPU) flushPendingIRQs() {
	pending := v.pending.Load()
	var sip uint64
	if pending&PendingVSSoft != 0 {
		sip |= 1 << 1 // SSIP-equivalent bit for VS-soft
	}
	if pending&PendingVSTimer != 0 {
		sip |= 1 << 5 // STIP-equivalent bit for VS-timer
	}
	if pending&PendingVSExt != 0 {
		sip |= 1 << 9 // SEIP-equivalent bit for VS-ext
	}
	v.ctx.GuestSystem.SIP = sip
}

// demux dispatches on the host-reported trap cause, returning true when the
// loop should terminate.
func (v *VCPU) demux() (terminal bool, err error) {
	cause := Cause(v.ctx.GuestTrap.Cause)

	switch {
	case cause.IsInterrupt():
		return v.handleInterrupt(cause)

	case cause == CauseVirtualInstruction:
		v.ctx.GuestTrap.EPC += 4
		return false, nil

	case cause == CauseGuestLoadFault || cause == CauseGuestStoreFault || cause == CauseGuestInstFault:
		return false, v.handlePageFault(cause)

	case cause == CauseSupervisorECall:
		return v.handleECall()

	default:
		return true, fmt.Errorf("vcpu %d: unhandled trap cause %#x", v.id, uint64(cause))
	}
}

func (v *VCPU) handleInterrupt(cause Cause) (terminal bool, err error) {
	switch cause {
	case InterruptUTimer:
		// Clear the hardware timer-enable bit and hand the guest a
		// pending VS-TIMER; the guest re-arms via SBI set_timer.
		v.ctx.GuestSystem.SIE &^= 1 << 5
		v.setPendingBit(PendingVSTimer, true)
		return false, nil

	case InterruptUSoft:
		// The vipi CSR bit itself is cleared by the vipi engine when it
		// posts; here we only clear the synthesized pending-soft bit.
		v.setPendingBit(PendingVSSoft, false)
		return false, nil

	default:
		return true, fmt.Errorf("vcpu %d: unhandled interrupt cause %#x", v.id, uint64(cause))
	}
}

// handlePageFault computes the full fault address and resolves it through
// the stage-2 fault handler, or decodes and emulates an MMIO access.
func (v *VCPU) handlePageFault(cause Cause) error {
	gpa := (v.ctx.GuestTrap.HTVal << 2) | (v.ctx.GuestTrap.TVal & 0x3)

	outcome, err := v.faults.HandleFault(gpa, cause == CauseGuestStoreFault, cause == CauseGuestInstFault)
	if err != nil {
		return fmt.Errorf("vcpu %d: stage-2 fault at %#x: %w", v.id, gpa, err)
	}

	switch outcome {
	case stage2.FaultResolvedMapped:
		return nil
	case stage2.FaultPermission:
		return fmt.Errorf("vcpu %d: permission fault at %#x", v.id, gpa)
	case stage2.FaultResolvedMMIO:
		return v.emulateMMIO(gpa)
	default:
		return fmt.Errorf("vcpu %d: unrecognized fault outcome for %#x", v.id, gpa)
	}
}

// emulateMMIO decodes the faulting instruction and performs the
// corresponding device load or store.
func (v *VCPU) emulateMMIO(gpa uint64) error {
	raw, err := v.guestMem.ReadInstruction(v.ctx.GuestTrap.EPC)
	if err != nil {
		return fmt.Errorf("vcpu %d: fetch faulting instruction: %w", v.id, err)
	}

	decoded, err := DecodeMMIOInstruction(raw)
	if err != nil {
		return fmt.Errorf("vcpu %d: decode MMIO instruction at %#x: %w", v.id, v.ctx.GuestTrap.EPC, err)
	}

	inPLIC := gpa >= v.plicBase && gpa < v.plicBase+v.plic.Size()

	if decoded.IsStore {
		val := v.ctx.GetGPR(decoded.Reg) & widthMask(decoded.Width)
		var err error
		if inPLIC {
			err = v.plic.Write(gpa-v.plicBase, decoded.Width, val)
		} else {
			err = v.bus.Write(gpa, decoded.Width, val)
		}
		if err != nil {
			return fmt.Errorf("vcpu %d: MMIO store at %#x: %w", v.id, gpa, err)
		}
	} else {
		var val uint64
		var err error
		if inPLIC {
			val, err = v.plic.Read(gpa-v.plicBase, decoded.Width)
		} else {
			val, err = v.bus.Read(gpa, decoded.Width)
		}
		if err != nil {
			return fmt.Errorf("vcpu %d: MMIO load at %#x: %w", v.id, gpa, err)
		}
		v.ctx.SetGPR(decoded.Reg, val&widthMask(decoded.Width))
	}

	v.ctx.GuestTrap.EPC += uint64(decoded.InstrLen)
	return nil
}

func widthMask(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * width)) - 1
}

// handleECall marshals A0-A7 into an SBI call and writes the result back.
func (v *VCPU) handleECall() (terminal bool, err error) {
	g := &v.ctx.GuestGPR
	a7 := g.X[17]

	if a7 == SentinelShutdownEID {
		return true, nil
	}

	a0, a1 := v.sbi.Call(v.id, g.X[10], g.X[11], g.X[12], g.X[13], g.X[14], g.X[15], g.X[16], a7)
	g.X[10] = a0
	g.X[11] = a1
	v.ctx.GuestTrap.EPC += 4
	return false, nil
}
