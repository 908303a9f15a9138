// Package config parses the duvisor CLI surface (spec.md §6): a flat
// key=value config file, equivalent flags, and the validation rules both
// surfaces must satisfy before a VM is constructed.
package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Machine names accepted by --machine / the config file's machine key.
const (
	MachineDuvisorVirt = "duvisor_virt"
	MachineTest        = "test_type"
)

// Config is the fully resolved, validated CLI surface.
type Config struct {
	SMP         int
	MemoryMiB   uint64
	KernelPath  string
	InitrdPath  string
	DTBPath     string
	Machine     string
	VMTap       string
	BlockPath   string
	ConsolePath string
	Append      string
}

// intFlag and stringFlag track whether the user explicitly set the flag, so
// a config-file value is only overridden when the flag actually appears on
// the command line (spec.md §6: flags and a config file are both accepted
// surfaces for the same keys).
type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return strconv.Itoa(f.v) }

func (f *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v, f.set = v, true
	return nil
}

type uint64Flag struct {
	v   uint64
	set bool
}

func (f *uint64Flag) String() string { return strconv.FormatUint(f.v, 10) }

func (f *uint64Flag) Set(s string) error {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	f.v, f.set = v, true
	return nil
}

type stringFlag struct {
	v   string
	set bool
}

func (f *stringFlag) String() string { return f.v }

func (f *stringFlag) Set(s string) error {
	f.v, f.set = s, true
	return nil
}

// Parse builds a Config from args (typically os.Args[1:]), applying an
// optional --config file first and letting explicit flags override it
// (spec.md §6's Open Question on precedence is resolved in DESIGN.md:
// flags win over the file for the same key).
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("duvisor", flag.ContinueOnError)

	var configPath stringFlag
	fs.Var(&configPath, "config", "Path to a key=value config file")

	var smp intFlag
	fs.Var(&smp, "smp", "Number of vCPUs")
	var memory uint64Flag
	fs.Var(&memory, "memory", "Guest memory size in MiB")
	var kernel stringFlag
	fs.Var(&kernel, "kernel", "Path to the guest kernel image")
	var initrd stringFlag
	fs.Var(&initrd, "initrd", "Path to the initrd/initramfs image")
	var dtb stringFlag
	fs.Var(&dtb, "dtb", "Path to a pre-built device tree blob, bypassing synthesis")
	var machine stringFlag
	fs.Var(&machine, "machine", "Machine type: duvisor_virt or test_type")
	var vmtap stringFlag
	fs.Var(&vmtap, "vmtap", "TAP device name for the optional virtio-net device")
	var block stringFlag
	fs.Var(&block, "block", "Path to a virtio-blk backing file")
	var console stringFlag
	fs.Var(&console, "console", "Path to redirect console output, instead of stdout")
	var appendArgs stringFlag
	fs.Var(&appendArgs, "append", "Kernel command line, placed in chosen/bootargs")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		SMP:     1,
		Machine: MachineDuvisorVirt,
	}

	if configPath.set {
		values, err := parseFile(configPath.v)
		if err != nil {
			return nil, err
		}
		if v, ok := values["smp"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("config: smp: %w", err)
			}
			cfg.SMP = n
		}
		if v, ok := values["memory"]; ok {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("config: memory: %w", err)
			}
			cfg.MemoryMiB = n
		}
		if v, ok := values["kernel"]; ok {
			cfg.KernelPath = v
		}
		if v, ok := values["initrd"]; ok {
			cfg.InitrdPath = v
		}
		if v, ok := values["dtb"]; ok {
			cfg.DTBPath = v
		}
		if v, ok := values["machine"]; ok {
			cfg.Machine = v
		}
	}

	if smp.set {
		cfg.SMP = smp.v
	}
	if memory.set {
		cfg.MemoryMiB = memory.v
	}
	if kernel.set {
		cfg.KernelPath = kernel.v
	}
	if initrd.set {
		cfg.InitrdPath = initrd.v
	}
	if dtb.set {
		cfg.DTBPath = dtb.v
	}
	if machine.set {
		cfg.Machine = machine.v
	}
	if vmtap.set {
		cfg.VMTap = vmtap.v
	}
	if block.set {
		cfg.BlockPath = block.v
	}
	if console.set {
		cfg.ConsolePath = console.v
	}
	if appendArgs.set {
		cfg.Append = appendArgs.v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseFile reads key=value pairs, one per line, blank lines and lines
// starting with '#' ignored (spec.md §6: "key=value per line among smp,
// memory, kernel, initrd, dtb, machine").
func parseFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: %s:%d: expected key=value", path, lineNo)
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

// ErrInvalid wraps every validation failure so callers can distinguish a
// configuration error (exit 1, no resource acquired) from any other kind.
var ErrInvalid = errors.New("config: invalid configuration")

// Validate enforces spec.md §6's constraints: 1≤smp≤8, memory>0, machine in
// {duvisor_virt, test_type}, and that every referenced path exists.
func (c *Config) Validate() error {
	if c.SMP < 1 || c.SMP > 8 {
		return fmt.Errorf("%w: smp %d out of range [1,8]", ErrInvalid, c.SMP)
	}
	if c.MemoryMiB == 0 {
		return fmt.Errorf("%w: memory must be > 0 MiB", ErrInvalid)
	}
	if c.Machine != MachineDuvisorVirt && c.Machine != MachineTest {
		return fmt.Errorf("%w: machine %q must be %q or %q", ErrInvalid, c.Machine, MachineDuvisorVirt, MachineTest)
	}
	if c.KernelPath == "" {
		return fmt.Errorf("%w: kernel path is required", ErrInvalid)
	}
	for name, path := range map[string]string{
		"kernel": c.KernelPath,
		"initrd": c.InitrdPath,
		"dtb":    c.DTBPath,
		"block":  c.BlockPath,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%w: %s path %s: %v", ErrInvalid, name, path, err)
		}
	}
	return nil
}

// MemorySizeBytes converts MemoryMiB to the byte count internal/vm.Config
// expects.
func (c *Config) MemorySizeBytes() uint64 {
	return c.MemoryMiB * 1024 * 1024
}
