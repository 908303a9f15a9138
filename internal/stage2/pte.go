package stage2

// PTE mirrors the real G-stage page-table-entry encoding so that the table
// built here is layout-compatible with what hardware would walk via hgatp:
// bit 0 valid, bits 1-4 R/W/X/U, bit 5 global, bits 6-7 accessed/dirty,
// bits 10-53 the physical page number.
type PTE uint64

const (
	PteV = PTE(1) << 0
	PteR = PTE(1) << 1
	PteW = PTE(1) << 2
	PteX = PTE(1) << 3
	PteU = PTE(1) << 4
	PteG = PTE(1) << 5
	PteA = PTE(1) << 6
	PteD = PTE(1) << 7

	pteFlagsMask = PteV | PteR | PteW | PteX | PteU | PteG | PteA | PteD
	ppnShift     = 10
)

// Flags is the caller-facing permission set for a leaf mapping. It excludes
// Valid/Accessed/Dirty, which the engine manages itself.
type Flags uint8

const (
	FlagR Flags = 1 << iota
	FlagW
	FlagX
	FlagU
	FlagG
)

func (f Flags) toPTE() PTE {
	var p PTE
	if f&FlagR != 0 {
		p |= PteR
	}
	if f&FlagW != 0 {
		p |= PteW
	}
	if f&FlagX != 0 {
		p |= PteX
	}
	if f&FlagU != 0 {
		p |= PteU
	}
	if f&FlagG != 0 {
		p |= PteG
	}
	return p
}

// Valid reports whether the V bit is set.
func (p PTE) Valid() bool { return p&PteV != 0 }

// IsLeaf reports whether any of R/W/X is set — the leaf-PTE predicate from
// spec.md §4.1 ("valid && (R|W|X)").
func (p PTE) IsLeaf() bool { return p.Valid() && p&(PteR|PteW|PteX) != 0 }

// PPN returns the physical page number encoded in the entry.
func (p PTE) PPN() uint64 { return uint64(p) >> ppnShift }

// HPA returns the host-physical address of the page this leaf addresses.
func (p PTE) HPA() uint64 { return p.PPN() << 12 }

// Flags extracts the caller-facing permission bits.
func (p PTE) Flags() Flags {
	var f Flags
	if p&PteR != 0 {
		f |= FlagR
	}
	if p&PteW != 0 {
		f |= FlagW
	}
	if p&PteX != 0 {
		f |= FlagX
	}
	if p&PteU != 0 {
		f |= FlagU
	}
	if p&PteG != 0 {
		f |= FlagG
	}
	return f
}

func leafPTE(hpa uint64, flags Flags) PTE {
	return PTE(hpa>>12<<ppnShift) | flags.toPTE() | PteV | PteA | PteD
}

func interiorPTE(subtableHPA uint64) PTE {
	return PTE(subtableHPA>>12<<ppnShift) | PteV
}
