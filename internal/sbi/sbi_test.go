package sbi

import "testing"

type fakeTimer struct {
	deadline      map[int]uint64
	clearedVCPU   []int
}

func newFakeTimer() *fakeTimer { return &fakeTimer{deadline: map[int]uint64{}} }
func (f *fakeTimer) SetTimer(vcpuID int, deadline uint64) { f.deadline[vcpuID] = deadline }
func (f *fakeTimer) ClearPendingVSTimer(vcpuID int)       { f.clearedVCPU = append(f.clearedVCPU, vcpuID) }

type fakeConsole struct {
	out []byte
	in  []byte
}

func (c *fakeConsole) PutChar(b byte) { c.out = append(c.out, b) }
func (c *fakeConsole) GetChar() byte {
	if len(c.in) == 0 {
		return 0
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b
}

type fakeIPITarget struct {
	running map[int]bool
	vsSoft  map[int]bool
	vipis   map[int]int
}

func newFakeIPITarget() *fakeIPITarget {
	return &fakeIPITarget{running: map[int]bool{}, vsSoft: map[int]bool{}, vipis: map[int]int{}}
}
func (f *fakeIPITarget) TriggerVSSoft(vcpuID int) bool { f.vsSoft[vcpuID] = true; return f.running[vcpuID] }
func (f *fakeIPITarget) PostVIPI(vcpuID int)           { f.vipis[vcpuID]++ }

type fakeFencer struct{ calls int }

func (f *fakeFencer) RemoteFence(eid uint64, arg0, arg1 uint64) (uint64, uint64, error) {
	f.calls++
	return 7, 8, nil
}

type fakeGuestReader struct{ words map[uint64]uint64 }

func (g *fakeGuestReader) ReadUint64(gpa uint64) (uint64, error) { return g.words[gpa], nil }

type fakeShutdown struct{ requested bool }

func (s *fakeShutdown) RequestShutdown() { s.requested = true }

func newTestEmulator() (*Emulator, *fakeTimer, *fakeConsole, *fakeIPITarget, *fakeFencer, *fakeGuestReader, *fakeShutdown) {
	timer := newFakeTimer()
	console := &fakeConsole{}
	ipi := newFakeIPITarget()
	fencer := &fakeFencer{}
	guest := &fakeGuestReader{words: map[uint64]uint64{}}
	shutdown := &fakeShutdown{}
	return New(4, timer, console, ipi, fencer, guest, shutdown), timer, console, ipi, fencer, guest, shutdown
}

func TestSetTimer(t *testing.T) {
	e, timer, _, _, _, _, _ := newTestEmulator()
	a0, _ := e.Call(0, Regs{A7: EIDSetTimer, A0: 12345})
	if a0 != Success {
		t.Fatalf("expected success, got %d", a0)
	}
	if timer.deadline[0] != 12345 {
		t.Fatalf("expected timer deadline 12345, got %d", timer.deadline[0])
	}
	if len(timer.clearedVCPU) != 1 || timer.clearedVCPU[0] != 0 {
		t.Fatalf("expected pending VS-timer cleared for vcpu 0")
	}
}

func TestConsolePutcharAndGetchar(t *testing.T) {
	e, _, console, _, _, _, _ := newTestEmulator()
	console.in = []byte("Z")

	a0, _ := e.Call(0, Regs{A7: EIDConsolePutchar, A0: uint64('H')})
	if a0 != Success || string(console.out) != "H" {
		t.Fatalf("expected putchar to write 'H', got out=%q a0=%d", console.out, a0)
	}

	a0, _ = e.Call(0, Regs{A7: EIDConsoleGetchar})
	if a0 != uint64('Z') {
		t.Fatalf("expected getchar to return 'Z', got %d", a0)
	}
}

func TestClearIPIUnsupported(t *testing.T) {
	e, _, _, _, _, _, _ := newTestEmulator()
	a0, _ := e.Call(0, Regs{A7: EIDClearIPI})
	if int64(a0) != ErrNotSupported {
		t.Fatalf("expected ERR_NOT_SUPPORTED, got %d", int64(a0))
	}
}

func TestSendIPITriggersInRangeHarts(t *testing.T) {
	e, _, _, ipi, _, guest, _ := newTestEmulator()
	ipi.running[1] = true
	// bits 0, 1, and 10 (out of range for numVCPU=4) set.
	guest.words[0x1000] = (1 << 0) | (1 << 1) | (1 << 10)

	a0, invalid := e.Call(0, Regs{A7: EIDSendIPI, A0: 0x1000})
	if a0 != Success {
		t.Fatalf("expected success, got %d", a0)
	}
	if invalid != 1 {
		t.Fatalf("expected 1 invalid target, got %d", invalid)
	}
	if !ipi.vsSoft[0] || !ipi.vsSoft[1] {
		t.Fatalf("expected VS-soft triggered on vcpus 0 and 1")
	}
	if ipi.vipis[1] != 1 {
		t.Fatalf("expected vipi posted for running vcpu 1")
	}
	if ipi.vipis[0] != 0 {
		t.Fatalf("expected no vipi posted for non-running vcpu 0")
	}
}

func TestRemoteFenceTriplet(t *testing.T) {
	e, _, _, _, fencer, _, _ := newTestEmulator()
	for _, eid := range []uint64{EIDRemoteFenceLo, 0x06, EIDRemoteFenceHi} {
		a0, a1 := e.Call(0, Regs{A7: eid})
		if a0 != 7 || a1 != 8 {
			t.Fatalf("eid %#x: expected (7,8), got (%d,%d)", eid, a0, a1)
		}
	}
	if fencer.calls != 3 {
		t.Fatalf("expected 3 fence calls, got %d", fencer.calls)
	}
}

func TestShutdownSetsFlag(t *testing.T) {
	e, _, _, _, _, _, shutdown := newTestEmulator()
	a0, _ := e.Call(0, Regs{A7: EIDShutdown})
	if a0 != Success || !shutdown.requested {
		t.Fatalf("expected shutdown requested, a0=%d requested=%v", a0, shutdown.requested)
	}
}

func TestULHLocalIPIAndCounters(t *testing.T) {
	e, _, _, ipi, _, _, _ := newTestEmulator()
	ipi.running[2] = true

	a0, _ := e.Call(2, Regs{A7: EIDULHLo, A6: ULHFuncLocalIPI})
	if a0 != Success {
		t.Fatalf("expected success, got %d", a0)
	}
	if !ipi.vsSoft[2] || ipi.vipis[2] != 1 {
		t.Fatalf("expected self-IPI triggered and posted on vcpu 2")
	}

	success, failure := e.Call(2, Regs{A7: EIDULHLo, A6: ULHFuncCounters})
	if success != 1 || failure != 0 {
		t.Fatalf("expected counters (1,0), got (%d,%d)", success, failure)
	}
}

func TestULHBusyWaitSucceedsWhenSignalSet(t *testing.T) {
	e, _, _, _, _, guest, _ := newTestEmulator()
	guest.words[0x2000] = 1

	a0, _ := e.Call(0, Regs{A7: EIDULHLo, A6: ULHFuncBusyWait, A0: 0x2000})
	if a0 != Success {
		t.Fatalf("expected success, got %d", a0)
	}
}

func TestUnknownEIDReturnsNotSupported(t *testing.T) {
	e, _, _, _, _, _, _ := newTestEmulator()
	a0, _ := e.Call(0, Regs{A7: 0x09})
	if int64(a0) != ErrNotSupported {
		t.Fatalf("expected ERR_NOT_SUPPORTED, got %d", int64(a0))
	}
}
