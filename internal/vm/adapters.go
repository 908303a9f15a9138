package vm

import (
	"sync/atomic"
	"time"

	"github.com/duvisor/duvisor/internal/gmem"
	"github.com/duvisor/duvisor/internal/sbi"
	"github.com/duvisor/duvisor/internal/serial"
	"github.com/duvisor/duvisor/internal/vcpu"
)

// sbiCall adapts sbi.Emulator's Regs-taking Call into the loose-argument
// shape internal/vcpu.SBI expects, keeping the sbi package free of any
// dependency on vcpu's interfaces.
type sbiCall struct {
	emulator *sbi.Emulator
}

func (s sbiCall) Call(vcpuID int, a0, a1, a2, a3, a4, a5, a6, a7 uint64) (uint64, uint64) {
	return s.emulator.Call(vcpuID, sbi.Regs{A0: a0, A1: a1, A2: a2, A3: a3, A4: a4, A5: a5, A6: a6, A7: a7})
}

// guestMem adapts gmem.Map's page-safe ReadAt into the narrow
// instruction-fetch and 64-bit-word seams internal/vcpu.GuestMemReader and
// internal/sbi.GuestReader need.
type guestMem struct {
	mem *gmem.Map
}

func (g guestMem) ReadInstruction(gva uint64) (uint32, error) {
	var buf [4]byte
	if _, err := g.mem.ReadAt(buf[:], int64(gva)); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func (g guestMem) ReadUint64(gpa uint64) (uint64, error) {
	var buf [8]byte
	if _, err := g.mem.ReadAt(buf[:], int64(gpa)); err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// consoleSink adapts internal/serial.UART to internal/sbi.Console: putchar
// writes straight through to the host sink (the legacy SBI console
// extension bypasses the register-level transmit path the MMIO UART uses),
// getchar polls the UART's input queue until the console-input thread
// delivers a byte.
type consoleSink struct {
	uart *serial.UART
}

func (c consoleSink) PutChar(b byte) { c.uart.PutCharDirect(b) }

func (c consoleSink) GetChar() byte {
	for {
		if b, ok := c.uart.PopByte(); ok {
			return b
		}
		time.Sleep(time.Millisecond)
	}
}

// shutdownFlag adapts a shared atomic.Bool to internal/sbi.Shutdown; every
// vCPU's ThreadRun loop polls the same flag before each guest entry.
type shutdownFlag struct {
	flag *atomic.Bool
}

func (s shutdownFlag) RequestShutdown() { s.flag.Store(true) }

var _ vcpu.SBI = sbiCall{}
var _ vcpu.GuestMemReader = guestMem{}
var _ sbi.GuestReader = guestMem{}
var _ sbi.Console = consoleSink{}
var _ sbi.Shutdown = shutdownFlag{}
