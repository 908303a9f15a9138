// Package plic implements the Platform-Level Interrupt Controller model:
// priority/enable/threshold/claim/complete semantics with two delivery
// contexts (U-mode and S-mode) per vCPU.
package plic

import "sync"

// Address map, offsets from the PLIC base (spec.md §4.3).
const (
	PriorityBase  = 0x000000
	EnableBase    = 0x002000
	ThresholdBase = 0x200000
	addrSpaceEnd  = 0x1000000

	// Size is the guest-visible size of the PLIC MMIO window (spec.md §6:
	// 0x0c000000..0x10000000).
	Size = 0x4000000

	enableStride    = 0x80
	thresholdStride = 0x1000

	maxIRQSources = 1024
	wordsPerBitmap = maxIRQSources / 32

	priorityBits = 3 // PRIORITY_PER_ID
	priorityMask = (1 << priorityBits) - 1
)

// Mode is a PLIC delivery context's privilege level.
type Mode int

const (
	ModeU Mode = iota
	ModeS
)

// ContextsPerVCPU is fixed at two: one U-mode and one S-mode delivery
// endpoint per vCPU (spec.md §4.3).
const ContextsPerVCPU = 2

// Notifier breaks the PLIC⇄vCPU reference cycle described in spec.md §9:
// the PLIC never holds a vCPU pointer, only a back-index resolved through
// this interface, which the VM implements via its vCPU lookup table.
type Notifier interface {
	// SetVSExtPending sets or clears the VS-ext pending bit on vcpuID and
	// reports whether that vCPU is currently running.
	SetVSExtPending(vcpuID int, pending bool) (running bool)
	// SetVSSoftPending sets the VS-soft pending bit on vcpuID and reports
	// whether that vCPU is currently running.
	SetVSSoftPending(vcpuID int) (running bool)
	// PostVIPI raises a virtual IPI targeting vcpuID.
	PostVIPI(vcpuID int)
}

type context struct {
	mu              sync.Mutex
	threshold       uint32
	enable          [wordsPerBitmap]uint32
	pending         [wordsPerBitmap]uint32
	pendingPriority [maxIRQSources]uint32
	claimed         [wordsPerBitmap]uint32
	autoclear       [wordsPerBitmap]uint32
}

// PLIC is the interrupt aggregator shared by all vCPUs of one VM.
type PLIC struct {
	globalMu sync.RWMutex
	numIRQ   uint32
	priority [maxIRQSources]uint32
	level    [maxIRQSources]bool

	contexts []*context // length numVCPU*ContextsPerVCPU
	notifier Notifier
}

// New constructs a PLIC for numVCPU vCPUs and up to numIRQ interrupt
// sources (capped at maxIRQSources). IRQ 0 is hardwired to zero per
// spec.md §4.3.
func New(numVCPU int, numIRQ uint32, notifier Notifier) *PLIC {
	if numIRQ > maxIRQSources {
		numIRQ = maxIRQSources
	}
	p := &PLIC{numIRQ: numIRQ, notifier: notifier}
	p.contexts = make([]*context, numVCPU*ContextsPerVCPU)
	for i := range p.contexts {
		p.contexts[i] = &context{}
	}
	return p
}

// SetNotifier installs the vCPU back-reference after construction, for the
// cyclic PLIC<->vCPU wiring spec.md §9 describes: the PLIC is built first
// (vCPUs need it as a collaborator), and the registry that resolves
// vcpu-id to vCPU is built once every vCPU exists.
func (p *PLIC) SetNotifier(notifier Notifier) {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()
	p.notifier = notifier
}

func contextIndex(vcpuID int, mode Mode) int {
	return vcpuID*ContextsPerVCPU + int(mode)
}

func (p *PLIC) vcpuOf(ctxIdx int) int {
	return ctxIdx / ContextsPerVCPU
}

// Size implements mmiobus.Device.
func (p *PLIC) Size() uint64 { return Size }

func bitOf(word *[wordsPerBitmap]uint32, source uint32) bool {
	return word[source/32]&(1<<(source%32)) != 0
}

func setBit(word *[wordsPerBitmap]uint32, source uint32, set bool) {
	if set {
		word[source/32] |= 1 << (source % 32)
	} else {
		word[source/32] &^= 1 << (source % 32)
	}
}

// Read implements mmiobus.Device.
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset < EnableBase:
		source := uint32(offset / 4)
		if source == 0 || source >= p.numIRQ {
			return 0, nil
		}
		p.globalMu.RLock()
		defer p.globalMu.RUnlock()
		return uint64(p.priority[source]), nil

	case offset >= EnableBase && offset < ThresholdBase:
		ctxIdx := int((offset - EnableBase) / enableStride)
		word := int((offset - EnableBase) % enableStride / 4)
		if ctxIdx >= len(p.contexts) || word >= wordsPerBitmap {
			return 0, nil
		}
		c := p.contexts[ctxIdx]
		c.mu.Lock()
		defer c.mu.Unlock()
		return uint64(c.enable[word]), nil

	case offset >= ThresholdBase && offset < addrSpaceEnd:
		ctxIdx := int((offset - ThresholdBase) / thresholdStride)
		regOffset := (offset - ThresholdBase) % thresholdStride
		if ctxIdx >= len(p.contexts) {
			return 0, nil
		}
		switch regOffset {
		case 0:
			c := p.contexts[ctxIdx]
			c.mu.Lock()
			defer c.mu.Unlock()
			return uint64(c.threshold), nil
		case 4:
			return uint64(p.claim(ctxIdx)), nil
		}
	}
	return 0, nil
}

// Write implements mmiobus.Device.
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset < EnableBase:
		source := uint32(offset / 4)
		if source == 0 || source >= p.numIRQ {
			return nil
		}
		p.globalMu.Lock()
		p.priority[source] = uint32(value) & priorityMask
		p.globalMu.Unlock()

	case offset >= EnableBase && offset < ThresholdBase:
		ctxIdx := int((offset - EnableBase) / enableStride)
		word := int((offset - EnableBase) % enableStride / 4)
		if ctxIdx >= len(p.contexts) || word >= wordsPerBitmap {
			return nil
		}
		p.writeEnable(ctxIdx, word, uint32(value))

	case offset >= ThresholdBase && offset < addrSpaceEnd:
		ctxIdx := int((offset - ThresholdBase) / thresholdStride)
		regOffset := (offset - ThresholdBase) % thresholdStride
		if ctxIdx >= len(p.contexts) {
			return nil
		}
		switch regOffset {
		case 0:
			c := p.contexts[ctxIdx]
			c.mu.Lock()
			c.threshold = uint32(value) & priorityMask
			c.mu.Unlock()
			p.recomputeLocalIRQ(ctxIdx)
		case 4:
			// write claim: silently ignored, ack happens via claim read.
		}
	}
	return nil
}

// writeEnable updates a context's enable bitmap word. For every bit that
// newly becomes enabled while the source's level bit is set, the source is
// marked pending; for every bit that becomes disabled, its pending/claimed/
// priority state is cleared.
func (p *PLIC) writeEnable(ctxIdx, word int, value uint32) {
	c := p.contexts[ctxIdx]

	p.globalMu.RLock()
	defer p.globalMu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	// bit 0 of word 0 (source 0) is always reserved and stays zero.
	if word == 0 {
		value &^= 1
	}

	old := c.enable[word]
	changed := old ^ value
	c.enable[word] = value

	for bit := 0; bit < 32; bit++ {
		if changed&(1<<bit) == 0 {
			continue
		}
		source := uint32(word*32 + bit)
		if source == 0 || source >= p.numIRQ {
			continue
		}
		nowEnabled := value&(1<<bit) != 0
		if nowEnabled {
			if p.level[source] {
				setBit(&c.pending, source, true)
				c.pendingPriority[source] = p.priority[source]
			}
		} else {
			setBit(&c.pending, source, false)
			setBit(&c.claimed, source, false)
			c.pendingPriority[source] = 0
		}
	}

	p.recomputeLocalIRQLocked(ctxIdx, c)
}

// TriggerLevelIRQ sets the global level bit for irq and pushes the change
// into every context: level true marks it pending (if enabled); level
// false retracts an unclaimed pending assertion.
func (p *PLIC) TriggerLevelIRQ(irq uint32, level bool) {
	if irq == 0 || irq >= p.numIRQ {
		return
	}

	p.globalMu.Lock()
	p.level[irq] = level
	priority := p.priority[irq]
	p.globalMu.Unlock()

	p.globalMu.RLock()
	defer p.globalMu.RUnlock()

	for idx, c := range p.contexts {
		c.mu.Lock()
		enabled := bitOf(&c.enable, irq)
		if level && enabled {
			setBit(&c.pending, irq, true)
			c.pendingPriority[irq] = priority
			setBit(&c.autoclear, irq, false)
		} else if !level && !bitOf(&c.claimed, irq) {
			setBit(&c.pending, irq, false)
		}
		c.mu.Unlock()
		p.recomputeLocalIRQ(idx)
	}
}

// TriggerEdgeIRQ posts an edge-triggered interrupt: every enabled context
// is marked pending and flagged for autoclear on claim. This is the
// "separate path" spec.md §4.3 describes arriving through the virtual-PLIC
// shim page rather than the level-trigger register writes above.
func (p *PLIC) TriggerEdgeIRQ(irq uint32) {
	if irq == 0 || irq >= p.numIRQ {
		return
	}

	p.globalMu.RLock()
	priority := p.priority[irq]
	defer p.globalMu.RUnlock()

	for idx, c := range p.contexts {
		c.mu.Lock()
		if bitOf(&c.enable, irq) {
			setBit(&c.pending, irq, true)
			c.pendingPriority[irq] = priority
			setBit(&c.autoclear, irq, true)
		}
		c.mu.Unlock()
		p.recomputeLocalIRQ(idx)
	}
}

// TriggerVirtualIRQ posts VS-soft directly to one vCPU, independent of any
// IRQ-source claim/pending bookkeeping, and reports whether that vCPU was
// running so the caller knows to issue a vipi.
func (p *PLIC) TriggerVirtualIRQ(vcpuID int) (wasRunning bool) {
	return p.notifier.SetVSSoftPending(vcpuID)
}

// claim selects and returns the highest-priority pending, non-claimed,
// enabled IRQ above threshold for ctxIdx; an autoclear (edge) source has
// its pending state cleared, any other source is marked claimed. Returns 0
// if none.
func (p *PLIC) claim(ctxIdx int) uint32 {
	if ctxIdx >= len(p.contexts) {
		return 0
	}
	c := p.contexts[ctxIdx]

	c.mu.Lock()
	defer c.mu.Unlock()

	var best uint32
	var bestPriority uint32
	for source := uint32(1); source < p.numIRQ; source++ {
		if !bitOf(&c.pending, source) {
			continue
		}
		if bitOf(&c.claimed, source) {
			continue
		}
		priority := c.pendingPriority[source]
		if priority <= c.threshold {
			continue
		}
		if priority > bestPriority {
			bestPriority = priority
			best = source
		}
	}

	if best == 0 {
		return 0
	}

	if bitOf(&c.autoclear, best) {
		setBit(&c.pending, best, false)
		setBit(&c.claimed, best, false)
		c.pendingPriority[best] = 0
		setBit(&c.autoclear, best, false)
	} else {
		setBit(&c.claimed, best, true)
	}

	p.recomputeLocalIRQLocked(ctxIdx, c)
	return best
}

// Complete acknowledges completion of IRQ handling for a context, clearing
// its claimed bit.
func (p *PLIC) Complete(vcpuID int, mode Mode, irq uint32) {
	ctxIdx := contextIndex(vcpuID, mode)
	if ctxIdx >= len(p.contexts) || irq == 0 || irq >= p.numIRQ {
		return
	}
	c := p.contexts[ctxIdx]
	c.mu.Lock()
	setBit(&c.claimed, irq, false)
	c.mu.Unlock()
	p.recomputeLocalIRQ(ctxIdx)
}

// recomputeLocalIRQ takes the context's own lock and recomputes whether a
// vCPU-visible interrupt should be asserted.
func (p *PLIC) recomputeLocalIRQ(ctxIdx int) {
	c := p.contexts[ctxIdx]
	c.mu.Lock()
	defer c.mu.Unlock()
	p.recomputeLocalIRQLocked(ctxIdx, c)
}

// recomputeLocalIRQLocked assumes c.mu is already held.
func (p *PLIC) recomputeLocalIRQLocked(ctxIdx int, c *context) {
	hasPending := false
	for source := uint32(1); source < p.numIRQ; source++ {
		if !bitOf(&c.pending, source) || bitOf(&c.claimed, source) {
			continue
		}
		if c.pendingPriority[source] > c.threshold {
			hasPending = true
			break
		}
	}

	vcpuID := p.vcpuOf(ctxIdx)
	running := p.notifier.SetVSExtPending(vcpuID, hasPending)
	if hasPending && running {
		p.notifier.PostVIPI(vcpuID)
	}
}
