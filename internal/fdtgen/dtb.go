// Package fdtgen synthesizes DuVisor's device tree blob on top of the
// bespoke internal/fdt serializer, the way
// internal/devices/virtio/device_base.go's DeviceTreeNodes builds fdt.Node
// trees from Go structures rather than templating DTS text.
package fdtgen

import (
	"fmt"

	"github.com/duvisor/duvisor/internal/fdt"
)

// Fixed initrd load addresses (spec.md §6: "linux,initrd-start/end fixed
// at 0x853907f8 / 0x87fffff8").
const (
	InitrdStart = 0x853907f8
	InitrdEnd   = 0x87fffff8
)

// Guest RAM always starts here (spec.md §6 bus layout: "0x80000000.. Guest
// RAM").
const MemoryBase = 0x80000000

// Config describes the machine DuVisor boots, gathering every value the
// generated tree needs from the VM lifecycle and CLI layers.
type Config struct {
	MemorySize uint64
	NumVCPU    int
	Bootargs   string

	PLICBase uint64
	PLICSize uint64
	NumIRQ   uint32

	UARTBase uint64
	UARTIRQ  uint32

	VirtioBlkBase uint64
	VirtioBlkIRQ  uint32

	VirtioNetBase uint64 // 0 disables the net node
	VirtioNetIRQ  uint32

	HasInitrd bool
}

// Build renders cfg into a flattened device tree blob.
func Build(cfg Config) ([]byte, error) {
	if cfg.NumVCPU <= 0 {
		return nil, fmt.Errorf("fdtgen: numVCPU must be positive, got %d", cfg.NumVCPU)
	}

	root := fdt.Node{
		Name: "",
		Properties: map[string]fdt.Property{
			"compatible":     {Strings: []string{"linux,dummy-virt"}},
			"model":          {Strings: []string{"duvisor,virt"}},
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
		Children: []fdt.Node{
			chosenNode(cfg),
			memoryNode(cfg),
			cpusNode(cfg),
			socNode(cfg),
		},
	}

	return fdt.Build(root)
}

func chosenNode(cfg Config) fdt.Node {
	props := map[string]fdt.Property{
		"bootargs": {Strings: []string{cfg.Bootargs}},
	}
	if cfg.HasInitrd {
		props["linux,initrd-start"] = fdt.Property{U32: []uint32{uint32(InitrdStart)}}
		props["linux,initrd-end"] = fdt.Property{U32: []uint32{uint32(InitrdEnd)}}
	}
	return fdt.Node{Name: "chosen", Properties: props}
}

func memoryNode(cfg Config) fdt.Node {
	hi := uint32(cfg.MemorySize >> 32)
	lo := uint32(cfg.MemorySize)
	return fdt.Node{
		Name: "memory@80000000",
		Properties: map[string]fdt.Property{
			"device_type": {Strings: []string{"memory"}},
			"reg":         {U32: []uint32{0, MemoryBase, hi, lo}},
		},
	}
}

func cpusNode(cfg Config) fdt.Node {
	n := fdt.Node{
		Name: "cpus",
		Properties: map[string]fdt.Property{
			"#address-cells":      {U32: []uint32{1}},
			"#size-cells":         {U32: []uint32{0}},
			"timebase-frequency":  {U32: []uint32{10000000}},
		},
	}
	for i := 0; i < cfg.NumVCPU; i++ {
		n.Children = append(n.Children, cpuNode(i))
	}
	return n
}

func cpuNode(id int) fdt.Node {
	return fdt.Node{
		Name: fmt.Sprintf("cpu@%d", id),
		Properties: map[string]fdt.Property{
			"device_type":          {Strings: []string{"cpu"}},
			"compatible":           {Strings: []string{"riscv"}},
			"riscv,isa":            {Strings: []string{"rv64imafdcsu"}},
			"mmu-type":             {Strings: []string{"riscv,sv48"}},
			"reg":                  {U32: []uint32{uint32(id)}},
			"status":               {Strings: []string{"okay"}},
		},
		Children: []fdt.Node{{
			Name: "interrupt-controller",
			Properties: map[string]fdt.Property{
				"#interrupt-cells":   {U32: []uint32{1}},
				"interrupt-controller": {Flag: true},
				"compatible":         {Strings: []string{"riscv,cpu-intc"}},
				"phandle":            {U32: []uint32{cpuIntcPhandle(id)}},
			},
		}},
	}
}

// cpuIntcPhandle assigns each vCPU's local interrupt controller a stable
// phandle; the PLIC's interrupts-extended property references these.
func cpuIntcPhandle(vcpuID int) uint32 { return uint32(10 + vcpuID) }

const plicPhandle = 1

func socNode(cfg Config) fdt.Node {
	n := fdt.Node{
		Name: "soc",
		Properties: map[string]fdt.Property{
			"compatible":     {Strings: []string{"simple-bus"}},
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"ranges":         {Flag: true},
		},
		Children: []fdt.Node{plicNode(cfg), uartNode(cfg)},
	}
	if cfg.VirtioBlkBase != 0 {
		n.Children = append(n.Children, virtioNode("virtio_mmio@"+hex(cfg.VirtioBlkBase), cfg.VirtioBlkBase, cfg.VirtioBlkIRQ))
	}
	if cfg.VirtioNetBase != 0 {
		n.Children = append(n.Children, virtioNode("virtio_mmio@"+hex(cfg.VirtioNetBase), cfg.VirtioNetBase, cfg.VirtioNetIRQ))
	}
	return n
}

func plicNode(cfg Config) fdt.Node {
	var extended []uint32
	for i := 0; i < cfg.NumVCPU; i++ {
		// Each hart exposes both S-mode and U-mode contexts to the PLIC;
		// DuVisor's software model only addresses them through the guest
		// bus, so both entries reference the same phandle (spec.md §4.3:
		// "two delivery contexts (U-mode and S-mode) per vCPU").
		extended = append(extended, cpuIntcPhandle(i), 9, cpuIntcPhandle(i), 9)
	}
	return fdt.Node{
		Name: "plic@" + hex(cfg.PLICBase),
		Properties: map[string]fdt.Property{
			"compatible":           {Strings: []string{"riscv,plic0"}},
			"reg":                  {U32: reg64(cfg.PLICBase, cfg.PLICSize)},
			"interrupt-controller": {Flag: true},
			"#interrupt-cells":     {U32: []uint32{1}},
			"riscv,ndev":           {U32: []uint32{cfg.NumIRQ}},
			"interrupts-extended":  {U32: extended},
			"phandle":              {U32: []uint32{plicPhandle}},
		},
	}
}

func uartNode(cfg Config) fdt.Node {
	return fdt.Node{
		Name: "serial@" + hex(cfg.UARTBase),
		Properties: map[string]fdt.Property{
			"compatible":   {Strings: []string{"ns16550a"}},
			"reg":          {U32: reg64(cfg.UARTBase, 0x100)},
			"clock-frequency": {U32: []uint32{3686400}},
			"interrupt-parent": {U32: []uint32{plicPhandle}},
			"interrupts":   {U32: []uint32{cfg.UARTIRQ}},
		},
	}
}

func virtioNode(name string, base uint64, irq uint32) fdt.Node {
	return fdt.Node{
		Name: name,
		Properties: map[string]fdt.Property{
			"compatible":       {Strings: []string{"virtio,mmio"}},
			"reg":              {U32: reg64(base, 0x1000)},
			"interrupt-parent": {U32: []uint32{plicPhandle}},
			"interrupts":       {U32: []uint32{irq}},
		},
	}
}

func reg64(base, size uint64) []uint32 {
	return []uint32{uint32(base >> 32), uint32(base), uint32(size >> 32), uint32(size)}
}

func hex(v uint64) string { return fmt.Sprintf("%x", v) }
