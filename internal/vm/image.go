package vm

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/duvisor/duvisor/internal/gmem"
)

// Fixed guest-physical load addresses (spec.md §4.9 step 5).
const (
	RawKernelLoadAddr = 0x80200000
	DTBLoadAddr       = 0x82200000
)

// KernelImage is a kernel ready to be copied into guest memory: either a
// flat raw binary loaded at a fixed address, or a set of ELF PT_LOAD
// segments loaded at their virtual addresses (p_vaddr), used as
// guest-physical addresses.
type KernelImage struct {
	EntryGPA uint64
	segments []kernelSegment
}

type kernelSegment struct {
	gpa  uint64
	data []byte
}

// LoadKernelFile reads path and classifies it as ELF or raw by magic,
// mirroring the "ELF/raw" branch spec.md §4.9 step 5 describes.
func LoadKernelFile(path string) (*KernelImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vm: open kernel %s: %w", path, err)
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, fmt.Errorf("vm: read kernel magic: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("vm: seek kernel: %w", err)
	}

	if string(magic) == elf.ELFMAG {
		return loadELFKernel(f)
	}
	return loadRawKernel(f)
}

// loadELFKernel loads every nonzero PT_LOAD segment at its virtual address
// (p_vaddr), used as the guest-physical address, the way
// _examples/tinyrange-cc/internal/linux/boot/amd64/elf.go's loadELFKernel
// walks f.Progs, just targeting riscv64 and using guest-physical rather
// than x86 setup-header addresses.
func loadELFKernel(r io.ReaderAt) (*KernelImage, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("vm: parse ELF kernel: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("%w: ELF machine %d, want RISC-V", ErrBadKernel, f.Machine)
	}
	if len(f.Progs) == 0 {
		return nil, fmt.Errorf("%w: no program headers", ErrBadKernel)
	}

	img := &KernelImage{EntryGPA: f.Entry}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: segment filesz %#x exceeds memsz %#x", ErrBadKernel, prog.Filesz, prog.Memsz)
		}
		data := make([]byte, prog.Memsz)
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data[:prog.Filesz], 0); err != nil {
				return nil, fmt.Errorf("vm: read ELF segment @%#x: %w", prog.Off, err)
			}
		}
		img.segments = append(img.segments, kernelSegment{gpa: prog.Vaddr, data: data})
	}

	if len(img.segments) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrBadKernel)
	}
	if img.EntryGPA == 0 {
		return nil, fmt.Errorf("%w: entry point is zero", ErrBadKernel)
	}
	return img, nil
}

// loadRawKernel treats the file as a flat binary loaded whole at
// RawKernelLoadAddr (spec.md §4.9: "raw: load at 0x80200000").
func loadRawKernel(r io.Reader) (*KernelImage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("vm: read raw kernel: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty kernel image", ErrBadKernel)
	}
	return &KernelImage{
		EntryGPA: RawKernelLoadAddr,
		segments: []kernelSegment{{gpa: RawKernelLoadAddr, data: data}},
	}, nil
}

// Install copies every segment into guest memory through mem.
func (img *KernelImage) Install(mem *gmem.Map) error {
	for _, seg := range img.segments {
		if len(seg.data) == 0 {
			continue
		}
		if _, err := mem.WriteAt(seg.data, int64(seg.gpa)); err != nil {
			return fmt.Errorf("vm: install kernel segment @%#x: %w", seg.gpa, err)
		}
	}
	return nil
}

// LoadInitrdFile reads an initrd/initramfs image from disk whole; the VM
// installs it at fdtgen's fixed guest-physical range once the DTB has
// embedded that range (spec.md §4.9 step 5: "initrd at DTB-embedded
// range").
func LoadInitrdFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vm: read initrd %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("vm: initrd %s is empty", path)
	}
	return data, nil
}
