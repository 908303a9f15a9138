// Package gmem implements the guest-memory map: the GPA↔HVA↔HPA lookup table
// consulted by the MMIO bus and by virtio devices doing DMA into guest RAM.
package gmem

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

// PageSize is the host and guest page size used throughout DuVisor.
const PageSize = 0x1000

// Region describes one contiguous extent of host-physical memory installed
// into the guest-physical address space by the stage-2 engine.
type Region struct {
	GPA  uint64
	HVA  uint64
	HPA  uint64
	Size uint64
}

// Map is the sorted, disjoint set of regions backing guest RAM. It is
// populated by the stage-2 engine every time it installs a leaf mapping and
// consulted by anything that needs to turn a GPA into host bytes.
type Map struct {
	mu      sync.RWMutex
	mem     []byte // the single contiguous host-physical arena (driver mmap)
	hvaBase uint64
	hpaBase uint64
	regions []Region
}

// New wraps mem, the flat byte arena returned by the host driver's mmap, and
// records its synthetic host-virtual/host-physical base addresses.
func New(mem []byte, hvaBase, hpaBase uint64) *Map {
	return &Map{mem: mem, hvaBase: hvaBase, hpaBase: hpaBase}
}

// Insert records a newly-installed mapping. GPA, HVA, HPA and Size must be
// page-aligned and must not overlap any existing region.
func (m *Map) Insert(r Region) error {
	if r.Size == 0 {
		return fmt.Errorf("gmem: zero-size region at gpa=%#x", r.GPA)
	}
	if r.GPA%PageSize != 0 || r.HVA%PageSize != 0 || r.HPA%PageSize != 0 || r.Size%PageSize != 0 {
		return fmt.Errorf("gmem: unaligned region gpa=%#x hva=%#x hpa=%#x size=%#x", r.GPA, r.HVA, r.HPA, r.Size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	end := r.GPA + r.Size
	for _, existing := range m.regions {
		if r.GPA < existing.GPA+existing.Size && existing.GPA < end {
			return fmt.Errorf("gmem: region [%#x,%#x) overlaps existing [%#x,%#x)", r.GPA, end, existing.GPA, existing.GPA+existing.Size)
		}
	}

	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].GPA < m.regions[j].GPA })
	return nil
}

// Remove deletes the region beginning at gpa, if any.
func (m *Map) Remove(gpa uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.regions {
		if r.GPA == gpa {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return
		}
	}
}

// Lookup returns the HVA/HPA of gpa, if mapped.
func (m *Map) Lookup(gpa uint64) (hva, hpa uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.find(gpa)
	if !ok {
		return 0, 0, false
	}
	delta := gpa - r.GPA
	return r.HVA + delta, r.HPA + delta, true
}

func (m *Map) find(gpa uint64) (Region, bool) {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].GPA > gpa })
	if i == 0 {
		return Region{}, false
	}
	r := m.regions[i-1]
	if gpa >= r.GPA+r.Size {
		return Region{}, false
	}
	return r, true
}

// pageBytes returns a byte slice of the arena covering [gpa, gpa+length),
// which must lie wholly within one mapped page.
func (m *Map) pageBytes(gpa uint64, length uint64) ([]byte, error) {
	r, ok := m.find(gpa)
	if !ok {
		return nil, fmt.Errorf("gmem: gpa %#x not mapped", gpa)
	}
	delta := gpa - r.GPA
	if delta+length > r.Size {
		return nil, fmt.Errorf("gmem: access [%#x,%#x) crosses region boundary at %#x", gpa, gpa+length, r.GPA+r.Size)
	}
	hvaOff := r.HVA - m.hvaBase + delta
	if hvaOff+length > uint64(len(m.mem)) {
		return nil, fmt.Errorf("gmem: hva offset %#x out of arena bounds (len=%#x)", hvaOff, len(m.mem))
	}
	return m.mem[hvaOff : hvaOff+length], nil
}

// chunk is one piece of a page-safe split: every chunk lies within exactly
// one guest page.
type chunk struct {
	gpa    uint64
	length uint64
}

// splitPageSafe breaks [gpa, gpa+length) into at most three chunks: a
// partial head up to the next page boundary, a run of whole pages, and a
// partial tail, so that every chunk is wholly inside one mapped page.
func splitPageSafe(gpa, length uint64) []chunk {
	if length == 0 {
		return nil
	}

	var chunks []chunk
	end := gpa + length

	pageEnd := (gpa &^ (PageSize - 1)) + PageSize
	if pageEnd > end {
		pageEnd = end
	}
	if head := pageEnd - gpa; head > 0 {
		chunks = append(chunks, chunk{gpa: gpa, length: head})
	}
	cursor := pageEnd

	for end-cursor >= PageSize {
		chunks = append(chunks, chunk{gpa: cursor, length: PageSize})
		cursor += PageSize
	}

	if end > cursor {
		chunks = append(chunks, chunk{gpa: cursor, length: end - cursor})
	}

	return chunks
}

// ReadToMemory copies length bytes from src into guest memory starting at
// gpa, page-safely.
func (m *Map) ReadToMemory(gpa uint64, src io.Reader, length uint64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, c := range splitPageSafe(gpa, length) {
		dst, err := m.pageBytes(c.gpa, c.length)
		if err != nil {
			return total, err
		}
		n, err := io.ReadFull(src, dst)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteFromMemory copies length bytes from guest memory starting at gpa
// into dst, page-safely.
func (m *Map) WriteFromMemory(gpa uint64, dst io.Writer, length uint64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, c := range splitPageSafe(gpa, length) {
		src, err := m.pageBytes(c.gpa, c.length)
		if err != nil {
			return total, err
		}
		n, err := dst.Write(src)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadAt implements io.ReaderAt over the guest-physical address space, the
// shape virtio's VirtQueue expects for descriptor-table and ring access.
func (m *Map) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gpa := uint64(off)
	total := 0
	for _, c := range splitPageSafe(gpa, uint64(len(p))) {
		src, err := m.pageBytes(c.gpa, c.length)
		if err != nil {
			return total, err
		}
		n := copy(p[total:total+int(c.length)], src)
		total += n
	}
	return total, nil
}

// WriteAt implements io.WriterAt over the guest-physical address space.
func (m *Map) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gpa := uint64(off)
	total := 0
	for _, c := range splitPageSafe(gpa, uint64(len(p))) {
		dst, err := m.pageBytes(c.gpa, c.length)
		if err != nil {
			return total, err
		}
		n := copy(dst, p[total:total+int(c.length)])
		total += n
	}
	return total, nil
}
