// Package vm assembles every other package into one running guest: it owns
// the 9-step startup sequence (spec.md §4.9), the host threads that carry
// it forward, and the collaborators (duvdriver, stage2, gmem, mmiobus,
// plic, vipi, sbi, virtio, serial, vplic, fdtgen) each package in this
// module was built to be wired into.
package vm

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/duvisor/duvisor/internal/duvdriver"
	"github.com/duvisor/duvisor/internal/fdtgen"
	"github.com/duvisor/duvisor/internal/gmem"
	"github.com/duvisor/duvisor/internal/mmiobus"
	"github.com/duvisor/duvisor/internal/plic"
	"github.com/duvisor/duvisor/internal/sbi"
	"github.com/duvisor/duvisor/internal/serial"
	"github.com/duvisor/duvisor/internal/stage2"
	"github.com/duvisor/duvisor/internal/vcpu"
	"github.com/duvisor/duvisor/internal/vipi"
	"github.com/duvisor/duvisor/internal/virtio"
	"github.com/duvisor/duvisor/internal/vplic"
)

// Bus layout (spec.md §6).
const (
	uartBase      = 0x3f8
	plicBase      = 0x0c000000
	plicSize      = 0x04000000
	virtioBlkBase = 0x10000000
	defaultNumIRQ = 16
)

// Config describes one VM instance end to end: everything the CLI layer
// gathers from flags/config file before Start can run.
type Config struct {
	MemorySize uint64
	NumVCPU    int

	KernelPath string
	InitrdPath string
	Bootargs   string

	BlockDevicePath string
	ConsoleOutput   io.Writer

	VPLICMode vplic.Mode

	// Runner overrides the world-switch trampoline; nil selects
	// UnimplementedRunner, appropriate only for tests and tooling that
	// never actually enters a guest.
	Runner vcpu.GuestRunner
}

// VM is one running guest instance.
type VM struct {
	cfg Config

	driver *duvdriver.Driver
	vplic  *vplic.Shim

	mmu   *stage2.MMU
	gmem  *gmem.Map
	bus   *mmiobus.Bus
	plic  *plic.PLIC
	vipi  *vipi.Engine
	csr   *vcpu.CSRBank
	timer *vcpu.TimerEngine
	sbi   *sbi.Emulator
	uart  *serial.UART
	block *virtio.BlockDevice

	vcpus    []*vcpu.VCPU
	registry *vcpu.Registry

	shutdown atomic.Bool

	started atomic.Bool
}

// New validates cfg and wires every collaborator together, but does not
// open host devices or touch hardware; call Start for that.
func New(cfg Config) (*VM, error) {
	if cfg.NumVCPU <= 0 || cfg.NumVCPU > vipi.MaxVCPU {
		return nil, fmt.Errorf("%w: %d", ErrVCPUCount, cfg.NumVCPU)
	}
	if cfg.MemorySize == 0 || cfg.MemorySize%stage2.PageSize != 0 {
		return nil, ErrMemorySize
	}
	if cfg.KernelPath == "" {
		return nil, ErrNoKernel
	}
	if cfg.ConsoleOutput == nil {
		cfg.ConsoleOutput = io.Discard
	}
	if cfg.Runner == nil {
		cfg.Runner = UnimplementedRunner{}
	}

	return &VM{cfg: cfg}, nil
}

// Start performs the 9-step lifecycle sequence (spec.md §4.9) and returns
// once every vCPU thread, the virtio worker, and the timer poll loop are
// running.
// Close (or guest shutdown) ends the returned error group.
func (vm *VM) Start(ctx context.Context) (*errgroup.Group, error) {
	if vm.started.Swap(true) {
		return nil, ErrAlreadyStarted
	}

	// Step 1: open the driver and request a VM id.
	driver, err := duvdriver.Open(vm.cfg.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("vm: step 1 open driver: %w", err)
	}
	vm.driver = driver
	if _, err := driver.GetVMID(); err != nil {
		return nil, fmt.Errorf("vm: step 1 get vmid: %w", err)
	}

	// Step 2: stage-2 MMU plus the guest-memory map over the driver's pool.
	vm.gmem = gmem.New(driver.Bytes(), driver.HVABase(), 0)
	vm.mmu = stage2.New(driver, vm.gmem)
	vm.mmu.AddMemoryRange(fdtgen.MemoryBase, vm.cfg.MemorySize)
	vm.mmu.AddMMIORange(uartBase, 0x100)
	vm.mmu.AddMMIORange(plicBase, plicSize)
	if vm.cfg.BlockDevicePath != "" {
		vm.mmu.AddMMIORange(virtioBlkBase, virtio.Size)
	}

	numPages := int(vm.cfg.MemorySize / stage2.PageSize)
	hpaBase, hvaBase, err := driver.AllocPages(numPages)
	if err != nil {
		return nil, fmt.Errorf("vm: step 2 allocate guest ram: %w", err)
	}
	if err := vm.gmem.Insert(gmem.Region{GPA: fdtgen.MemoryBase, HVA: hvaBase, HPA: hpaBase, Size: vm.cfg.MemorySize}); err != nil {
		return nil, fmt.Errorf("vm: step 2 install guest ram region: %w", err)
	}
	if err := vm.mmu.MapRange(fdtgen.MemoryBase, hpaBase, vm.cfg.MemorySize, stage2.FlagR|stage2.FlagW|stage2.FlagX|stage2.FlagU); err != nil {
		return nil, fmt.Errorf("vm: step 2 map guest ram: %w", err)
	}

	// Step 3: devices, registered into the MMIO bus. The PLIC's vCPU
	// back-reference (Notifier) can't exist yet — the registry it resolves
	// through is built from the vCPU slice, which needs the PLIC itself as
	// a collaborator — so it's supplied later via SetNotifier, the same
	// deferred-wiring pattern CSRBank uses to break the vipi<->registry
	// cycle.
	vm.plic = plic.New(vm.cfg.NumVCPU, defaultNumIRQ, nil)
	vm.vplic, err = vplic.Open(vm.cfg.VPLICMode, vm.plic)
	if err != nil {
		return nil, fmt.Errorf("vm: step 3 open vplic shim: %w", err)
	}

	vm.uart = serial.New(vm.cfg.ConsoleOutput, vm.vplic)
	vm.bus = mmiobus.New()
	if err := vm.bus.Register("uart", uartBase, vm.uart); err != nil {
		return nil, fmt.Errorf("vm: step 3 register uart: %w", err)
	}

	if vm.cfg.BlockDevicePath != "" {
		block, err := virtio.NewBlockDevice(vm.cfg.BlockDevicePath, vm.vplic, nil)
		if err != nil {
			return nil, fmt.Errorf("vm: step 3 open block device: %w", err)
		}
		vm.block = block
		transport := virtio.NewTransport(block, vm.gmem, 256)
		block.AttachTransport(transport)
		if err := vm.bus.Register("virtio-blk", virtioBlkBase, transport); err != nil {
			return nil, fmt.Errorf("vm: step 3 register virtio-blk: %w", err)
		}
	}

	// Step 4: device tree blob.
	dtbCfg := fdtgen.Config{
		MemorySize: vm.cfg.MemorySize,
		NumVCPU:    vm.cfg.NumVCPU,
		Bootargs:   vm.cfg.Bootargs,
		PLICBase:   plicBase,
		PLICSize:   plicSize,
		NumIRQ:     defaultNumIRQ,
		UARTBase:   uartBase,
		UARTIRQ:    serial.IRQLine,
	}
	if vm.block != nil {
		dtbCfg.VirtioBlkBase = virtioBlkBase
		dtbCfg.VirtioBlkIRQ = virtio.BlockIRQLine
	}
	var initrd []byte
	if vm.cfg.InitrdPath != "" {
		initrd, err = LoadInitrdFile(vm.cfg.InitrdPath)
		if err != nil {
			return nil, fmt.Errorf("vm: step 4 load initrd: %w", err)
		}
		dtbCfg.HasInitrd = true
	}
	dtb, err := fdtgen.Build(dtbCfg)
	if err != nil {
		return nil, fmt.Errorf("vm: step 4 build dtb: %w", err)
	}

	// Step 5: load kernel, DTB, and initrd into guest memory.
	kernel, err := LoadKernelFile(vm.cfg.KernelPath)
	if err != nil {
		return nil, fmt.Errorf("vm: step 5 load kernel: %w", err)
	}
	if err := kernel.Install(vm.gmem); err != nil {
		return nil, fmt.Errorf("vm: step 5 install kernel: %w", err)
	}
	if _, err := vm.gmem.WriteAt(dtb, DTBLoadAddr); err != nil {
		return nil, fmt.Errorf("vm: step 5 install dtb: %w", err)
	}
	if initrd != nil {
		if _, err := vm.gmem.WriteAt(initrd, fdtgen.InitrdStart); err != nil {
			return nil, fmt.Errorf("vm: step 5 install initrd: %w", err)
		}
	}

	// Step 6: delegate the fixed trap set (spec.md §4.9 step 6).
	const (
		excDelegSupervisorECall = 1 << 10
		excDelegGuestLoadFault  = 1 << 21
		excDelegGuestStoreFault = 1 << 23
		excDelegGuestInstFault  = 1 << 20
		excDelegVirtualInst     = 1 << 22
		irqDelegUTimer          = 1 << 4
		irqDelegUSoft           = 1 << 0
	)
	excDeleg := uint64(excDelegSupervisorECall | excDelegGuestLoadFault | excDelegGuestStoreFault | excDelegGuestInstFault | excDelegVirtualInst)
	irqDeleg := uint64(irqDelegUTimer | irqDelegUSoft)
	if err := driver.RequestDeleg(excDeleg, irqDeleg); err != nil {
		return nil, fmt.Errorf("vm: step 6 request trap delegation: %w", err)
	}

	// Remaining collaborators: csr bank, vipi engine, sbi emulator, and the
	// vCPU registry, wired in construction order (internal/vcpu's CSRBank
	// breaks the vipi.Engine<->Registry cycle).
	vm.csr = vcpu.NewCSRBank(vm.cfg.NumVCPU)
	vm.vipi = vipi.New(vm.cfg.NumVCPU, vm.csr)

	gmemAdapter := guestMem{mem: vm.gmem}
	vm.vcpus = make([]*vcpu.VCPU, vm.cfg.NumVCPU)
	for i := 0; i < vm.cfg.NumVCPU; i++ {
		vipiID, err := vipi.VIPIID(0, i)
		if err != nil {
			return nil, fmt.Errorf("vm: assign vipi id for vcpu %d: %w", i, err)
		}
		vm.vcpus[i] = vcpu.New(vcpu.Config{
			ID:       i,
			VipiID:   vipiID,
			PLICBase: plicBase,
			Driver:   driver,
			Vipi:     vm.vipi,
			Pages:    vm.mmu,
			PLIC:     vm.plic,
			Bus:      vm.bus,
			Faults:   vm.mmu,
			GuestMem: gmemAdapter,
			Runner:   vm.cfg.Runner,
			Shutdown: &vm.shutdown,
		})
	}
	vm.registry = vcpu.NewRegistry(vm.vcpus, vm.vipi)
	vm.plic.SetNotifier(vm.registry)

	vm.timer = vcpu.NewTimerEngine(vm.cfg.NumVCPU, vm.registry, 100*time.Microsecond)
	vm.sbi = sbi.New(vm.cfg.NumVCPU, vm.timer, consoleSink{uart: vm.uart}, vm.registry, driver, gmemAdapter, shutdownFlag{flag: &vm.shutdown})
	sbiAdapter := sbiCall{emulator: vm.sbi}
	for _, v := range vm.vcpus {
		v.SetSBI(sbiAdapter)
	}

	// Step 7: per-vCPU initial register state.
	for i, v := range vm.vcpus {
		ctx := v.Context()
		ctx.SetGPR(10, uint64(i))          // a0 = vcpu id
		ctx.SetGPR(11, uint64(DTBLoadAddr)) // a1 = dtb gpa
		ctx.GuestTrap.CounterEn = ^uint64(0)
		ctx.GuestTrap.EPC = kernel.EntryGPA
	}

	group, gctx := errgroup.WithContext(ctx)

	// Step 8: one pinned host thread per vCPU.
	for _, v := range vm.vcpus {
		v := v
		group.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if cpuID, err := driver.GetCPUID(); err == nil {
				pinToCPU(int(cpuID))
			}
			v.SetTID(unix.Gettid())
			return v.ThreadRun()
		})
	}

	// Virtio worker thread(s).
	if vm.block != nil {
		group.Go(vm.block.Run)
	}

	// Timer poll loop, tied to the same group's lifetime via gctx.
	group.Go(func() error {
		stop := make(chan struct{})
		go func() {
			<-gctx.Done()
			close(stop)
		}()
		vm.timer.Run(stop)
		return nil
	})

	return group, nil
}

// RequestShutdown flips the process-wide shutdown flag every vCPU checks
// before its next guest entry (spec.md §5).
func (vm *VM) RequestShutdown() { vm.shutdown.Store(true) }

// Close tears down host resources. It does not wait for Start's error
// group; callers should RequestShutdown and Wait on the group first.
func (vm *VM) Close() error {
	var firstErr error
	if vm.block != nil {
		if err := vm.block.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if vm.vplic != nil {
		if err := vm.vplic.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if vm.driver != nil {
		if err := vm.driver.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UART exposes the console device so a console pump (internal/console) can
// feed host input into it.
func (vm *VM) UART() *serial.UART { return vm.uart }
