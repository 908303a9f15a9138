// Command duvisor launches one guest virtual machine (spec.md §1, §4.9).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/duvisor/duvisor/internal/config"
	"github.com/duvisor/duvisor/internal/console"
	"github.com/duvisor/duvisor/internal/vm"
	"github.com/duvisor/duvisor/internal/vplic"
)

// Configuration errors are reported to stderr and exit 1 before any
// resource is acquired (spec.md §7); all other fatal conditions reach
// main via a panic from deeper in the stack, per the same taxonomy.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "duvisor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	vplicMode := vplic.ModeVirtualized
	if cfg.Machine == config.MachineTest {
		vplicMode = vplic.ModePlain
	}

	var consoleOut *os.File = os.Stdout
	if cfg.ConsolePath != "" {
		f, err := os.Create(cfg.ConsolePath)
		if err != nil {
			return fmt.Errorf("open console output: %w", err)
		}
		defer f.Close()
		consoleOut = f
	}

	guest, err := vm.New(vm.Config{
		MemorySize:      cfg.MemorySizeBytes(),
		NumVCPU:         cfg.SMP,
		KernelPath:      cfg.KernelPath,
		InitrdPath:      cfg.InitrdPath,
		Bootargs:        cfg.Append,
		BlockDevicePath: cfg.BlockPath,
		ConsoleOutput:   consoleOut,
		VPLICMode:       vplicMode,
	})
	if err != nil {
		return fmt.Errorf("construct vm: %w", err)
	}
	defer guest.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, err := guest.Start(ctx)
	if err != nil {
		return fmt.Errorf("start vm: %w", err)
	}

	if consoleOut == os.Stdout {
		pump, err := console.New(guest.UART(), console.StdinFD())
		if err != nil {
			return fmt.Errorf("start console pump: %w", err)
		}
		defer pump.Close()

		stop := make(chan struct{})
		context.AfterFunc(ctx, func() { close(stop) })
		go pump.Run(stop)
	}

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("vm exited: %w", err)
	}
	return nil
}
