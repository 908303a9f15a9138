// Package vcpu implements the per-vCPU execution loop: world-switch into
// the guest, trap demultiplexing, MMIO instruction decode, and resumption
// (spec.md §4.2).
package vcpu

import "unsafe"

// GPRBank holds the 32 integer general-purpose registers.
type GPRBank struct {
	X [32]uint64
}

// SystemRegs mirrors the guest supervisor-mode CSRs saved across a
// world-switch while the vCPU is not resident on the host core.
type SystemRegs struct {
	SStatus  uint64
	SIE      uint64
	SIP      uint64
	STVec    uint64
	SScratch uint64
	SEPC     uint64
	SCause   uint64
	STVal    uint64
	SATP     uint64
}

// TrapFrame holds the hypervisor-level CSRs captured on trap entry: fault
// PC, cause, the two trap-value halves, virtualization state, the guest
// time-base delta, and the delegated counter-enable/trap-instruction
// fields.
type TrapFrame struct {
	EPC       uint64
	Cause     uint64
	TVal      uint64
	HTVal     uint64
	HStatus   uint64
	HGATP     uint64
	TimeDelta uint64
	CounterEn uint64
	TInst     uint64
}

// Context is the vCPU's register file: each bank exists twice, one for the
// host side and one for the guest side of the world switch. Field order is
// load-bearing — the assembly trampoline indexes into this struct by fixed
// byte offset (see the Off* constants below), not by field name.
type Context struct {
	GuestGPR GPRBank
	HostGPR  GPRBank

	GuestSystem SystemRegs
	HostSystem  SystemRegs

	GuestTrap TrapFrame
	HostTrap  TrapFrame
}

// Byte offsets of each bank within Context, fixed at build time so the
// trampoline can load/store them without knowledge of Go struct layout
// (spec.md §3: "Byte offsets of every field are fixed at build time").
const (
	OffGuestGPR    = unsafe.Offsetof(Context{}.GuestGPR)
	OffHostGPR     = unsafe.Offsetof(Context{}.HostGPR)
	OffGuestSystem = unsafe.Offsetof(Context{}.GuestSystem)
	OffHostSystem  = unsafe.Offsetof(Context{}.HostSystem)
	OffGuestTrap   = unsafe.Offsetof(Context{}.GuestTrap)
	OffHostTrap    = unsafe.Offsetof(Context{}.HostTrap)
)

// RegisterSet distinguishes which bank a Get/Set register request targets,
// the test surface spec.md §4.2 calls for ("setters/getters for GPRs and
// CSRs used by tests and initialization").
type RegisterSet int

const (
	RegisterSetGuestGPR RegisterSet = iota
	RegisterSetGuestSystem
	RegisterSetGuestTrap
)

// GetGPR returns guest general-purpose register i (x0-x31).
func (c *Context) GetGPR(i int) uint64 {
	return c.GuestGPR.X[i]
}

// SetGPR writes guest general-purpose register i. x0 is hardwired to zero.
func (c *Context) SetGPR(i int, v uint64) {
	if i == 0 {
		return
	}
	c.GuestGPR.X[i] = v
}

// CSR names one of the guest supervisor-mode control-and-status registers
// saved in SystemRegs.
type CSR int

const (
	CSRSStatus CSR = iota
	CSRSIE
	CSRSIP
	CSRSTVec
	CSRSScratch
	CSRSEPC
	CSRSCause
	CSRSTVal
	CSRSATP
)

// GetCSR returns one guest CSR, the test-and-initialization surface spec.md
// §4.2 calls for.
func (c *Context) GetCSR(r CSR) uint64 {
	switch r {
	case CSRSStatus:
		return c.GuestSystem.SStatus
	case CSRSIE:
		return c.GuestSystem.SIE
	case CSRSIP:
		return c.GuestSystem.SIP
	case CSRSTVec:
		return c.GuestSystem.STVec
	case CSRSScratch:
		return c.GuestSystem.SScratch
	case CSRSEPC:
		return c.GuestSystem.SEPC
	case CSRSCause:
		return c.GuestSystem.SCause
	case CSRSTVal:
		return c.GuestSystem.STVal
	case CSRSATP:
		return c.GuestSystem.SATP
	default:
		return 0
	}
}

// SetCSR writes one guest CSR.
func (c *Context) SetCSR(r CSR, v uint64) {
	switch r {
	case CSRSStatus:
		c.GuestSystem.SStatus = v
	case CSRSIE:
		c.GuestSystem.SIE = v
	case CSRSIP:
		c.GuestSystem.SIP = v
	case CSRSTVec:
		c.GuestSystem.STVec = v
	case CSRSScratch:
		c.GuestSystem.SScratch = v
	case CSRSEPC:
		c.GuestSystem.SEPC = v
	case CSRSCause:
		c.GuestSystem.SCause = v
	case CSRSTVal:
		c.GuestSystem.STVal = v
	case CSRSATP:
		c.GuestSystem.SATP = v
	}
}
