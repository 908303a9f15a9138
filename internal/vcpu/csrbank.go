package vcpu

import "sync/atomic"

// CSRBank implements internal/vipi.CSRWriter: the four global vipi-pending
// banks plus each vCPU's own per-CPU vipi-id register, all lock-free atomics
// per spec.md §5 ("Virtual-IPI map... lock-free atomics"). It is the
// concrete register file the vipi engine's intrinsics read and write;
// internal/vm constructs one per VM and shares it between the vipi engine
// and the vCPU registry.
type CSRBank struct {
	banks  [4]atomic.Uint64
	perCPU []atomic.Uint32
}

// NewCSRBank constructs a CSRBank for numVCPU local vCPUs.
func NewCSRBank(numVCPU int) *CSRBank {
	return &CSRBank{perCPU: make([]atomic.Uint32, numVCPU)}
}

// WriteVIPIBank implements internal/vipi.CSRWriter.
func (c *CSRBank) WriteVIPIBank(bank int, value uint64) { c.banks[bank].Store(value) }

// ReadVIPIBank implements internal/vipi.CSRWriter.
func (c *CSRBank) ReadVIPIBank(bank int) uint64 { return c.banks[bank].Load() }

// OrVIPIBank atomically sets the bits in mask within bank, implementing
// internal/vipi.CSRWriter. A bank is shared by up to MaxVCPU vCPUs posting
// IPIs concurrently, so the update has to be a single CAS loop rather than
// a separate Read then Write (mirrors VCPU.setPendingBit in loop.go).
func (c *CSRBank) OrVIPIBank(bank int, mask uint64) {
	b := &c.banks[bank]
	for {
		old := b.Load()
		next := old | mask
		if old == next || b.CompareAndSwap(old, next) {
			return
		}
	}
}

// AndNotVIPIBank atomically clears the bits in mask within bank, implementing
// internal/vipi.CSRWriter.
func (c *CSRBank) AndNotVIPIBank(bank int, mask uint64) {
	b := &c.banks[bank]
	for {
		old := b.Load()
		next := old &^ mask
		if old == next || b.CompareAndSwap(old, next) {
			return
		}
	}
}

// WritePerCPUVIPIID implements internal/vipi.CSRWriter.
func (c *CSRBank) WritePerCPUVIPIID(vcpuID int, vipiID uint32) {
	if vcpuID < 0 || vcpuID >= len(c.perCPU) {
		return
	}
	c.perCPU[vcpuID].Store(vipiID)
}

// PerCPUVIPIID returns the vipi-id a given vCPU last registered, the test
// surface for reading back what VCPURegist wrote.
func (c *CSRBank) PerCPUVIPIID(vcpuID int) uint32 {
	if vcpuID < 0 || vcpuID >= len(c.perCPU) {
		return 0
	}
	return c.perCPU[vcpuID].Load()
}
