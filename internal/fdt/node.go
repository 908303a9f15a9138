package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Property is a typed device-tree property value. Exactly one of the
// typed fields should be populated; Build rejects a property that sets
// zero or more than one.
type Property struct {
	Strings []string `json:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty"`
}

// encode renders p to its flattened-tree cell value. DTB properties carry
// no type tag of their own — the consumer (Linux, U-Boot, ...) knows the
// expected shape per property name — so this only has to pick the one
// populated field and serialize it big-endian; name is used for error
// reporting only.
func (p Property) encode(name string) ([]byte, error) {
	set := 0
	var data []byte

	if len(p.Strings) > 0 {
		set++
		var buf bytes.Buffer
		for _, s := range p.Strings {
			buf.WriteString(s)
			buf.WriteByte(0)
		}
		data = buf.Bytes()
	}
	if len(p.U32) > 0 {
		set++
		data = make([]byte, len(p.U32)*4)
		for i, v := range p.U32 {
			binary.BigEndian.PutUint32(data[i*4:], v)
		}
	}
	if len(p.U64) > 0 {
		set++
		data = make([]byte, len(p.U64)*8)
		for i, v := range p.U64 {
			binary.BigEndian.PutUint64(data[i*8:], v)
		}
	}
	if len(p.Bytes) > 0 {
		set++
		data = append([]byte(nil), p.Bytes...)
	}
	if p.Flag {
		set++
		data = nil
	}

	switch set {
	case 0:
		return nil, fmt.Errorf("fdt: property %q has no value", name)
	case 1:
		return data, nil
	default:
		return nil, fmt.Errorf("fdt: property %q sets more than one value kind", name)
	}
}

// Node is one device-tree node: a name, an unordered property bag (Build
// always emits properties in sorted-name order for a deterministic blob),
// and child nodes.
type Node struct {
	Name       string              `json:"name"`
	Properties map[string]Property `json:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty"`
}
