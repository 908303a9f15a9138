// Package stage2 implements the guest-physical-to-host-physical (G-stage)
// page-table engine: on-demand mapping, permission faults, and TLB
// invalidation for the single guest VM this process hosts.
package stage2

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/duvisor/duvisor/internal/gmem"
)

// PageSize is the guest and host page size.
const PageSize = gmem.PageSize

const (
	l0Bits  = 11
	l1Bits  = 9
	l2Bits  = 9
	l0Shift = 30
	l1Shift = 21
	l2Shift = 12

	l0Entries = 1 << l0Bits // 2048 — spans the root's 4 pages
	l1Entries = 1 << l1Bits
	l2Entries = 1 << l2Bits

	l0Mask = l0Entries - 1
	l1Mask = l1Entries - 1
	l2Mask = l2Entries - 1
)

// PageSource reserves host-physical pages backing guest RAM. It is
// satisfied by internal/duvdriver, which obtains pages from the host
// driver's single contiguous mmap region.
type PageSource interface {
	AllocPages(n int) (hpaBase, hvaBase uint64, err error)
}

// RangeKind classifies a GPA for the vCPU loop's fault handler.
type RangeKind int

const (
	RangeIllegal RangeKind = iota
	RangeMemory
	RangeMMIO
)

type namedRange struct {
	kind       RangeKind
	base, end  uint64
}

// MMU is the stage-2 page-table engine plus the GPA range classifier used
// by check_gpa/check_mmio.
type MMU struct {
	mu sync.Mutex

	arena   *arena
	root    []byte // 4 pages, l0Entries PTEs
	rootHPA uint64
	pages   PageSource
	gmem    *gmem.Map

	ranges []namedRange

	// tlbGeneration is bumped on every committed mutation. There is no
	// software TLB to invalidate in this model — hardware owns the real
	// G-stage TLB — so this only gives tests and the driver-fence path an
	// observable "a flush happened" signal.
	tlbGeneration uint64
}

// New constructs an MMU. pages supplies host-physical pages for on-demand
// mapping and gm receives every installed {gpa,hva,hpa} region so devices
// doing DMA can resolve guest addresses.
func New(pages PageSource, gm *gmem.Map) *MMU {
	a := newArena()
	rootHPA, root := a.allocPages(4)
	return &MMU{arena: a, root: root, rootHPA: rootHPA, pages: pages, gmem: gm}
}

// RootHPA returns the stage-2 root's host-physical address, installed into
// HGATP before the first guest entry (spec.md §4.2).
func (m *MMU) RootHPA() uint64 {
	return m.rootHPA
}

// AddMemoryRange records [base,base+size) as a classified memory region for
// check_gpa.
func (m *MMU) AddMemoryRange(base, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranges = append(m.ranges, namedRange{kind: RangeMemory, base: base, end: base + size})
}

// AddMMIORange records [base,base+size) as a classified MMIO region.
func (m *MMU) AddMMIORange(base, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranges = append(m.ranges, namedRange{kind: RangeMMIO, base: base, end: base + size})
}

// CheckGPA classifies gpa as memory, MMIO, or illegal.
func (m *MMU) CheckGPA(gpa uint64) RangeKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.ranges {
		if gpa >= r.base && gpa < r.end {
			return r.kind
		}
	}
	return RangeIllegal
}

// CheckMMIO reports whether gpa falls inside a registered MMIO range.
func (m *MMU) CheckMMIO(gpa uint64) bool {
	return m.CheckGPA(gpa) == RangeMMIO
}

// TLBGeneration returns the number of committed mutations so far.
func (m *MMU) TLBGeneration() uint64 {
	return atomic.LoadUint64(&m.tlbGeneration)
}

func pageAligned(v uint64) bool { return v%PageSize == 0 }

func indices(gpa uint64) (l0, l1, l2 int) {
	l0 = int((gpa >> l0Shift) & l0Mask)
	l1 = int((gpa >> l1Shift) & l1Mask)
	l2 = int((gpa >> l2Shift) & l2Mask)
	return
}

func readPTE(table []byte, idx int) PTE {
	return PTE(binary.LittleEndian.Uint64(table[idx*8:]))
}

func writePTE(table []byte, idx int, p PTE) {
	binary.LittleEndian.PutUint64(table[idx*8:], uint64(p))
}

// walk descends from the root to the L2 (leaf) table containing gpa,
// allocating zeroed interior subtables along the way when alloc is true.
// It returns the leaf table and the L2 index, or ok=false if a subtable is
// missing and alloc is false.
func (m *MMU) walk(gpa uint64, alloc bool) (leaf []byte, l2 int, ok bool) {
	l0idx, l1idx, l2idx := indices(gpa)

	l0pte := readPTE(m.root, l0idx)
	var l1table []byte
	if l0pte.Valid() {
		l1table = m.arena.bytesAt(l0pte.HPA(), PageSize)
	} else {
		if !alloc {
			return nil, 0, false
		}
		hpa, bytes := m.arena.allocPages(1)
		writePTE(m.root, l0idx, interiorPTE(hpa))
		l1table = bytes
	}

	l1pte := readPTE(l1table, l1idx)
	var l2table []byte
	if l1pte.Valid() {
		l2table = m.arena.bytesAt(l1pte.HPA(), PageSize)
	} else {
		if !alloc {
			return nil, 0, false
		}
		hpa, bytes := m.arena.allocPages(1)
		writePTE(l1table, l1idx, interiorPTE(hpa))
		l2table = bytes
	}

	return l2table, l2idx, true
}

// MapPage installs a single leaf mapping. gpa and hpa must be page-aligned.
func (m *MMU) MapPage(gpa, hpa uint64, flags Flags) error {
	if !pageAligned(gpa) || !pageAligned(hpa) {
		return fmt.Errorf("stage2: unaligned map gpa=%#x hpa=%#x", gpa, hpa)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	leaf, idx, _ := m.walk(gpa, true)
	writePTE(leaf, idx, leafPTE(hpa, flags))
	atomic.AddUint64(&m.tlbGeneration, 1)
	return nil
}

// MapRange installs len/PageSize consecutive leaf mappings starting at gpa,
// backed by consecutive host-physical pages starting at hpa.
func (m *MMU) MapRange(gpa, hpa, length uint64, flags Flags) error {
	if !pageAligned(gpa) || !pageAligned(hpa) || !pageAligned(length) {
		return fmt.Errorf("stage2: unaligned map_range gpa=%#x hpa=%#x len=%#x", gpa, hpa, length)
	}
	for off := uint64(0); off < length; off += PageSize {
		if err := m.MapPage(gpa+off, hpa+off, flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapPage clears the leaf PTE for gpa, if present, and recursively frees
// any ancestor subtable that becomes wholly zero.
func (m *MMU) UnmapPage(gpa uint64) error {
	if !pageAligned(gpa) {
		return fmt.Errorf("stage2: unaligned unmap gpa=%#x", gpa)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l0idx, l1idx, l2idx := indices(gpa)

	l0pte := readPTE(m.root, l0idx)
	if !l0pte.Valid() {
		return nil
	}
	l1table := m.arena.bytesAt(l0pte.HPA(), PageSize)

	l1pte := readPTE(l1table, l1idx)
	if !l1pte.Valid() {
		return nil
	}
	l2table := m.arena.bytesAt(l1pte.HPA(), PageSize)

	writePTE(l2table, l2idx, 0)
	atomic.AddUint64(&m.tlbGeneration, 1)

	if !tableAllZero(l2table) {
		return nil
	}
	writePTE(l1table, l1idx, 0)

	if !tableAllZero(l1table) {
		return nil
	}
	writePTE(m.root, l0idx, 0)
	return nil
}

// UnmapRange clears len/PageSize consecutive leaf mappings starting at gpa.
func (m *MMU) UnmapRange(gpa, length uint64) error {
	if !pageAligned(gpa) || !pageAligned(length) {
		return fmt.Errorf("stage2: unaligned unmap_range gpa=%#x len=%#x", gpa, length)
	}
	for off := uint64(0); off < length; off += PageSize {
		if err := m.UnmapPage(gpa + off); err != nil {
			return err
		}
	}
	return nil
}

// MapQuery returns the leaf PTE installed at gpa, if any.
func (m *MMU) MapQuery(gpa uint64) (PTE, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leaf, idx, ok := m.walk(gpa, false)
	if !ok {
		return 0, false
	}
	pte := readPTE(leaf, idx)
	if !pte.IsLeaf() {
		return 0, false
	}
	return pte, true
}

// MapProtect changes only the permission bits of an existing leaf mapping;
// the PPN is preserved.
func (m *MMU) MapProtect(gpa uint64, flags Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	leaf, idx, ok := m.walk(gpa, false)
	if !ok {
		return fmt.Errorf("stage2: map_protect on unmapped gpa=%#x", gpa)
	}
	pte := readPTE(leaf, idx)
	if !pte.IsLeaf() {
		return fmt.Errorf("stage2: map_protect on unmapped gpa=%#x", gpa)
	}
	writePTE(leaf, idx, leafPTE(pte.HPA(), flags))
	atomic.AddUint64(&m.tlbGeneration, 1)
	return nil
}

// GpaBlockAdd reserves a fresh host-physical region from the page source
// and installs it at [gpa, gpa+length) with RWXU permissions — the only
// path by which the resident working set grows (spec.md §4.1).
func (m *MMU) GpaBlockAdd(gpa, length uint64) error {
	if !pageAligned(gpa) || !pageAligned(length) {
		return fmt.Errorf("stage2: unaligned gpa_block_add gpa=%#x len=%#x", gpa, length)
	}

	npages := int(length / PageSize)
	hpaBase, hvaBase, err := m.pages.AllocPages(npages)
	if err != nil {
		return fmt.Errorf("stage2: gpa_block_add: %w", err)
	}

	if err := m.MapRange(gpa, hpaBase, length, FlagR|FlagW|FlagX|FlagU); err != nil {
		return err
	}

	if m.gmem != nil {
		if err := m.gmem.Insert(gmem.Region{GPA: gpa, HVA: hvaBase, HPA: hpaBase, Size: length}); err != nil {
			return err
		}
	}
	return nil
}

// FaultOutcome mirrors internal/vcpu.FaultOutcome without importing it,
// keeping stage2 free of any dependency on the vCPU loop.
type FaultOutcome int

const (
	FaultResolvedMapped FaultOutcome = iota
	FaultResolvedMMIO
	FaultPermission
)

// HandleFault classifies and resolves a guest page fault at gpa (spec.md
// §4.2): an MMIO range (the PLIC window included; the caller routes that
// one to the PLIC after decoding) reports FaultResolvedMMIO so the loop decodes
// and emulates the faulting instruction, a memory range re-queries the
// existing mapping (already valid, so a spurious fault or genuine
// permission violation), and a miss reserves a fresh page and installs it
// RWXU, the only path by which the resident working set grows.
func (m *MMU) HandleFault(gpa uint64, write, exec bool) (FaultOutcome, error) {
	pageGPA := gpa &^ (PageSize - 1)

	switch m.CheckGPA(pageGPA) {
	case RangeMMIO:
		return FaultResolvedMMIO, nil

	case RangeMemory:
		if _, ok := m.MapQuery(pageGPA); ok {
			return FaultPermission, nil
		}
		if err := m.GpaBlockAdd(pageGPA, PageSize); err != nil {
			return 0, err
		}
		return FaultResolvedMapped, nil

	default:
		return 0, fmt.Errorf("stage2: fault at %#x falls outside every registered range", gpa)
	}
}

func tableAllZero(table []byte) bool {
	for i := 0; i < len(table); i += 8 {
		if binary.LittleEndian.Uint64(table[i:]) != 0 {
			return false
		}
	}
	return true
}
