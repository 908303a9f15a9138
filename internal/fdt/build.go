// Package fdt serializes a Node tree into a flattened device tree blob
// (the binary format spec.md §6 expects at the guest's boot-time DTB
// address): the format Linux and U-Boot parse at boot to discover a
// machine's memory, CPUs and MMIO devices without ACPI.
package fdt

import (
	"encoding/binary"
	"sort"
)

const (
	headerSize      = 40 // ten big-endian uint32 fields, no padding
	fdtVersion      = 17
	lastCompVersion = 16
	fdtMagic        = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenEnd       = 0x9
)

// header mirrors struct fdt_header from the devicetree spec. Every field
// is a big-endian byte offset or count relative to the blob's start.
type header struct {
	magic           uint32
	totalSize       uint32
	offDTStruct     uint32
	offDTStrings    uint32
	offMemRsvmap    uint32
	version         uint32
	lastCompVersion uint32
	bootCPUIDPhys   uint32
	sizeDTStrings   uint32
	sizeDTStruct    uint32
}

func (h header) put(dst []byte) {
	binary.BigEndian.PutUint32(dst[0:4], h.magic)
	binary.BigEndian.PutUint32(dst[4:8], h.totalSize)
	binary.BigEndian.PutUint32(dst[8:12], h.offDTStruct)
	binary.BigEndian.PutUint32(dst[12:16], h.offDTStrings)
	binary.BigEndian.PutUint32(dst[16:20], h.offMemRsvmap)
	binary.BigEndian.PutUint32(dst[20:24], h.version)
	binary.BigEndian.PutUint32(dst[24:28], h.lastCompVersion)
	binary.BigEndian.PutUint32(dst[28:32], h.bootCPUIDPhys)
	binary.BigEndian.PutUint32(dst[32:36], h.sizeDTStrings)
	binary.BigEndian.PutUint32(dst[36:40], h.sizeDTStruct)
}

// Build walks root and serializes it into a complete FDT blob: header,
// an empty memory-reservation map (DuVisor never reserves regions out of
// guest RAM), the structure block, and the deduplicated string table.
func Build(root Node) ([]byte, error) {
	w := &writer{strings: newStringTable()}
	if err := w.writeNode(root); err != nil {
		return nil, err
	}
	w.token(tokenEnd)
	w.pad()

	structBytes := w.structBlock
	stringBytes := w.strings.bytes()
	memRsvmap := make([]byte, 16) // single zero (address, size) terminator

	h := header{
		magic:           fdtMagic,
		version:         fdtVersion,
		lastCompVersion: lastCompVersion,
		sizeDTStrings:   uint32(len(stringBytes)),
		sizeDTStruct:    uint32(len(structBytes)),
	}
	h.offMemRsvmap = headerSize
	h.offDTStruct = h.offMemRsvmap + uint32(len(memRsvmap))
	h.offDTStrings = h.offDTStruct + uint32(len(structBytes))
	h.totalSize = h.offDTStrings + uint32(len(stringBytes))

	blob := make([]byte, h.totalSize)
	h.put(blob[:headerSize])
	copy(blob[h.offMemRsvmap:], memRsvmap)
	copy(blob[h.offDTStruct:], structBytes)
	copy(blob[h.offDTStrings:], stringBytes)
	return blob, nil
}

// writer accumulates the structure block (FDT_BEGIN_NODE/FDT_PROP/
// FDT_END_NODE tokens) and the deduplicated string table referenced by
// each property's name offset.
type writer struct {
	structBlock []byte
	strings     *stringTable
}

func (w *writer) writeNode(n Node) error {
	w.token(tokenBeginNode)
	w.structBlock = append(w.structBlock, []byte(n.Name)...)
	w.structBlock = append(w.structBlock, 0)
	w.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := n.Properties[name].encode(name)
		if err != nil {
			return err
		}
		w.writeProperty(name, data)
	}

	for _, child := range n.Children {
		if err := w.writeNode(child); err != nil {
			return err
		}
	}

	w.token(tokenEndNode)
	return nil
}

func (w *writer) writeProperty(name string, value []byte) {
	w.token(tokenProp)
	w.uint32(uint32(len(value)))
	w.uint32(w.strings.offsetOf(name))
	w.structBlock = append(w.structBlock, value...)
	w.pad()
}

func (w *writer) token(t uint32) { w.uint32(t) }

func (w *writer) uint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.structBlock = append(w.structBlock, tmp[:]...)
}

// pad rounds the structure block up to a 4-byte boundary, required
// between every token per the devicetree spec.
func (w *writer) pad() {
	for len(w.structBlock)%4 != 0 {
		w.structBlock = append(w.structBlock, 0)
	}
}

// stringTable deduplicates property-name strings into one nul-separated
// block, handing out each name's first-use byte offset.
type stringTable struct {
	data []byte
	off  map[string]uint32
}

func newStringTable() *stringTable {
	return &stringTable{off: make(map[string]uint32)}
}

func (s *stringTable) offsetOf(name string) uint32 {
	if off, ok := s.off[name]; ok {
		return off
	}
	off := uint32(len(s.data))
	s.data = append(s.data, name...)
	s.data = append(s.data, 0)
	s.off[name] = off
	return off
}

func (s *stringTable) bytes() []byte { return s.data }
