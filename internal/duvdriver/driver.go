// Package duvdriver wraps the host kernel driver at /dev/dv_driver: the
// trap-delegation control plane and the contiguous physical-memory pool the
// core carves guest RAM and stage-2 page tables out of (spec.md §6).
package duvdriver

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const devicePath = "/dev/dv_driver"

// IOCTL request codes for /dev/dv_driver (spec.md §6). DuVisor is not an
// upstream kernel ABI, so these are assigned directly rather than derived
// from a shared C header, following the flat-hex style of a hand-maintained
// ioctl table.
const (
	ioctlGetAPIVersion  = 0x8008dd00 // out u64
	ioctlRequestDeleg   = 0x4010dd01 // in 2×u64
	ioctlRegisterVCPU   = 0x0000dd02
	ioctlUnregisterVCPU = 0x0000dd03
	ioctlQueryPFN       = 0xc008dd04 // in/out u64
	ioctlReleasePFN     = 0x4008dd05 // in u64
	ioctlRemoteFence    = 0xc010dd06 // in/out 2×u64
	ioctlGetVMID        = 0x8008dd07 // out u64
	ioctlGetCPUID       = 0x8008dd08 // out u64
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if errno != 0 {
		return 0, errno
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v, err
	}
}

type pair struct{ A0, A1 uint64 }

// Driver is one process's handle onto /dev/dv_driver: the delegation
// control calls plus the bump allocator over the driver's mmap'd physical
// pool that backs stage2.PageSource.
type Driver struct {
	fd int

	mu      sync.Mutex
	mem     []byte
	hvaBase uint64
	nextOff uint64
}

// PageSize is the allocation granularity handed out by AllocPages.
const PageSize = 4096

// Open opens /dev/dv_driver and mmaps a size-byte contiguous physical
// region from it; size is rounded up to a page. The returned region backs
// every stage-2 mapping this process will install (spec.md §6: "mmap
// returning a contiguous physical region... replaces a conventional
// allocator").
func Open(size uint64) (*Driver, error) {
	fd, err := unix.Open(devicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("duvdriver: open %s: %w", devicePath, err)
	}

	size = (size + PageSize - 1) &^ (PageSize - 1)
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("duvdriver: mmap: %w", err)
	}

	return &Driver{
		fd:      fd,
		mem:     mem,
		hvaBase: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}, nil
}

// Close unmaps the physical pool and closes the driver fd.
func (d *Driver) Close() error {
	var err error
	if d.mem != nil {
		err = unix.Munmap(d.mem)
		d.mem = nil
	}
	if cerr := unix.Close(d.fd); err == nil {
		err = cerr
	}
	return err
}

// Bytes exposes the mmap'd pool so the MMU and device models can resolve
// host-virtual addresses within it.
func (d *Driver) Bytes() []byte { return d.mem }

// HVABase returns the host-virtual address of Bytes()[0], the base
// internal/gmem.Map needs to translate a region's HVA back into an offset
// into Bytes().
func (d *Driver) HVABase() uint64 { return d.hvaBase }

// GetAPIVersion probes the driver ABI.
func (d *Driver) GetAPIVersion() (uint64, error) {
	var version uint64
	_, err := ioctlWithRetry(uintptr(d.fd), ioctlGetAPIVersion, uintptr(unsafe.Pointer(&version)))
	if err != nil {
		return 0, fmt.Errorf("duvdriver: GET_API_VERSION: %w", err)
	}
	return version, nil
}

// RequestDeleg installs the exception and interrupt delegation bitsets the
// vCPU loop relies on to receive guest traps directly in HU-mode.
func (d *Driver) RequestDeleg(excDeleg, irqDeleg uint64) error {
	req := pair{A0: excDeleg, A1: irqDeleg}
	_, err := ioctlWithRetry(uintptr(d.fd), ioctlRequestDeleg, uintptr(unsafe.Pointer(&req)))
	if err != nil {
		return fmt.Errorf("duvdriver: REQUEST_DELEG: %w", err)
	}
	return nil
}

// RegisterVCPU promotes the calling OS thread to receive delegated traps.
// Must be called from the vCPU's own pinned thread.
func (d *Driver) RegisterVCPU() error {
	_, err := ioctlWithRetry(uintptr(d.fd), ioctlRegisterVCPU, 0)
	if err != nil {
		return fmt.Errorf("duvdriver: REGISTER_VCPU: %w", err)
	}
	return nil
}

// UnregisterVCPU reverses RegisterVCPU on vCPU-thread exit.
func (d *Driver) UnregisterVCPU() error {
	_, err := ioctlWithRetry(uintptr(d.fd), ioctlUnregisterVCPU, 0)
	if err != nil {
		return fmt.Errorf("duvdriver: UNREGISTER_VCPU: %w", err)
	}
	return nil
}

// QueryPFN resolves an HVA within the driver's mmap'd pool to its HPA page
// frame number.
func (d *Driver) QueryPFN(hva uint64) (uint64, error) {
	v := hva
	_, err := ioctlWithRetry(uintptr(d.fd), ioctlQueryPFN, uintptr(unsafe.Pointer(&v)))
	if err != nil {
		return 0, fmt.Errorf("duvdriver: QUERY_PFN: %w", err)
	}
	return v, nil
}

// ReleasePFN releases a previously queried region.
func (d *Driver) ReleasePFN(hva uint64) error {
	v := hva
	_, err := ioctlWithRetry(uintptr(d.fd), ioctlReleasePFN, uintptr(unsafe.Pointer(&v)))
	if err != nil {
		return fmt.Errorf("duvdriver: RELEASE_PFN: %w", err)
	}
	return nil
}

// RemoteFence performs the global inter-processor fence behind SBI EIDs
// 0x05-0x07, implementing sbi.Fencer. The ioctl carries only arg0 and
// arg1; eid appears only in the error text. DuVisor's core never
// inspects the two returned words itself.
func (d *Driver) RemoteFence(eid uint64, arg0, arg1 uint64) (word0, word1 uint64, err error) {
	req := pair{A0: arg0, A1: arg1}
	_, ioerr := ioctlWithRetry(uintptr(d.fd), ioctlRemoteFence, uintptr(unsafe.Pointer(&req)))
	if ioerr != nil {
		return 0, 0, fmt.Errorf("duvdriver: REMOTE_FENCE(%#x): %w", eid, ioerr)
	}
	return req.A0, req.A1, nil
}

// GetVMID allocates a process-scoped VM identifier in [0,31].
func (d *Driver) GetVMID() (uint64, error) {
	var id uint64
	_, err := ioctlWithRetry(uintptr(d.fd), ioctlGetVMID, uintptr(unsafe.Pointer(&id)))
	if err != nil {
		return 0, fmt.Errorf("duvdriver: GET_VMID: %w", err)
	}
	return id, nil
}

// GetCPUID asks the driver to choose a host CPU for pinning the calling
// vCPU thread.
func (d *Driver) GetCPUID() (uint64, error) {
	var id uint64
	_, err := ioctlWithRetry(uintptr(d.fd), ioctlGetCPUID, uintptr(unsafe.Pointer(&id)))
	if err != nil {
		return 0, fmt.Errorf("duvdriver: GET_CPUID: %w", err)
	}
	return id, nil
}

// AllocPages hands out n contiguous pages from the mmap'd pool and
// resolves the region's HPA via QUERY_PFN, implementing stage2.PageSource.
func (d *Driver) AllocPages(n int) (hpaBase, hvaBase uint64, err error) {
	if n <= 0 {
		return 0, 0, fmt.Errorf("duvdriver: AllocPages: n must be positive, got %d", n)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	need := uint64(n) * PageSize
	if d.nextOff+need > uint64(len(d.mem)) {
		return 0, 0, fmt.Errorf("duvdriver: AllocPages: pool exhausted (%d bytes requested, %d remaining)",
			need, uint64(len(d.mem))-d.nextOff)
	}

	hva := d.hvaBase + d.nextOff
	pfn, err := d.QueryPFN(hva)
	if err != nil {
		return 0, 0, err
	}

	d.nextOff += need
	return pfn * PageSize, hva, nil
}
