// Package vipi implements the virtual-IPI engine: the vcpu-id to vipi-id
// mapping and the four-bank CSR set hardware consults to identify which
// vCPUs have a pending inter-processor interrupt.
package vipi

import (
	"fmt"
	"sync/atomic"
)

// MaxVCPU bounds the per-VM vCPU count used by the vm-id × MAX_VCPU +
// vcpu_id + 1 uniqueness scheme (spec.md §4.8).
const MaxVCPU = 8

// MaxVMs is the largest number of VMs the engine supports coexisting on
// one host under that scheme. 32 VMs × 8 vCPUs would give ids 1..256;
// VIPIID rejects the one id above 255 (VM 31, vCPU 7).
const MaxVMs = 32

// bankBits is the width, in bits, of one CSR bank (64-bit register).
const bankBits = 64

// CSRWriter writes a raw value into one of the four 64-bit vipi CSR banks
// (bank index 0-3) and into the per-CPU vipi-id-identification CSR. It is
// implemented by the vCPU runtime, keeping this package free of any
// architecture register-encoding concerns.
type CSRWriter interface {
	WriteVIPIBank(bank int, value uint64)
	ReadVIPIBank(bank int) uint64
	// OrVIPIBank and AndNotVIPIBank atomically set/clear bits within a
	// bank. A bank is shared by up to MaxVCPU vCPUs posting IPIs
	// concurrently, so these must not be implemented as a separate
	// Read-then-Write pair.
	OrVIPIBank(bank int, mask uint64)
	AndNotVIPIBank(bank int, mask uint64)
	WritePerCPUVIPIID(vcpuID int, vipiID uint32)
}

// Engine maps vcpu-id to vipi-id and posts/clears IPIs through a four-bank
// CSR writer.
type Engine struct {
	csr      CSRWriter
	vipiIDs  []int32 // atomic; -1 means unregistered
}

// New constructs an engine for up to numVCPU local vCPUs.
func New(numVCPU int, csr CSRWriter) *Engine {
	e := &Engine{csr: csr, vipiIDs: make([]int32, numVCPU)}
	for i := range e.vipiIDs {
		e.vipiIDs[i] = -1
	}
	return e
}

// VIPIID computes the globally-unique vipi-id for (vmID, vcpuID) under the
// vm-id × MAX_VCPU + vcpu_id + 1 scheme (spec.md §4.8). The engine is only
// correct when at most 255 live vipi-ids coexist on the host.
func VIPIID(vmID, vcpuID int) (uint32, error) {
	if vcpuID < 0 || vcpuID >= MaxVCPU {
		return 0, fmt.Errorf("vipi: vcpu id %d out of range [0,%d)", vcpuID, MaxVCPU)
	}
	if vmID < 0 || vmID >= MaxVMs {
		return 0, fmt.Errorf("vipi: vm id %d out of range [0,%d)", vmID, MaxVMs)
	}
	id := vmID*MaxVCPU + vcpuID + 1
	if id > 255 {
		return 0, fmt.Errorf("vipi: id %d exceeds the 255 live-id limit", id)
	}
	return uint32(id), nil
}

// VCPURegist stores the vcpu-id→vipi-id mapping and writes vipiID into the
// per-CPU CSR so hardware can identify the running vCPU.
func (e *Engine) VCPURegist(vcpuID int, vipiID uint32) error {
	if vcpuID < 0 || vcpuID >= len(e.vipiIDs) {
		return fmt.Errorf("vipi: vcpu id %d out of range [0,%d)", vcpuID, len(e.vipiIDs))
	}
	atomic.StoreInt32(&e.vipiIDs[vcpuID], int32(vipiID))
	e.csr.WritePerCPUVIPIID(vcpuID, vipiID)
	return nil
}

func bankAndBit(vipiID uint32) (bank int, bit uint) {
	bank = int(vipiID) / bankBits
	bit = uint(vipiID) % bankBits
	return
}

// SetVIPI sets the bit corresponding to vipiID in its CSR bank. Multiple
// vCPUs can post IPIs to the same bank concurrently (spec.md §4.8), so the
// update goes through the writer's atomic Or rather than a read-modify-write
// done here.
func (e *Engine) SetVIPI(vipiID uint32) error {
	bank, bit := bankAndBit(vipiID)
	if bank < 0 || bank >= 4 {
		return fmt.Errorf("vipi: id %d maps to out-of-range bank %d", vipiID, bank)
	}
	e.csr.OrVIPIBank(bank, 1<<bit)
	return nil
}

// ClearVIPI clears the bit corresponding to vipiID in its CSR bank.
func (e *Engine) ClearVIPI(vipiID uint32) error {
	bank, bit := bankAndBit(vipiID)
	if bank < 0 || bank >= 4 {
		return fmt.Errorf("vipi: id %d maps to out-of-range bank %d", vipiID, bank)
	}
	e.csr.AndNotVIPIBank(bank, 1<<bit)
	return nil
}

// VIPIIDFor returns the vipi-id registered for vcpuID, if any.
func (e *Engine) VIPIIDFor(vcpuID int) (uint32, bool) {
	if vcpuID < 0 || vcpuID >= len(e.vipiIDs) {
		return 0, false
	}
	v := atomic.LoadInt32(&e.vipiIDs[vcpuID])
	if v < 0 {
		return 0, false
	}
	return uint32(v), true
}
