package serial

import (
	"bytes"
	"testing"
)

type fakeIRQPoster struct{ count int }

func (f *fakeIRQPoster) TriggerEdgeIRQ(irq uint32) { f.count++ }

func TestInitialState(t *testing.T) {
	u := New(&bytes.Buffer{}, &fakeIRQPoster{})

	if v, _ := u.Read(regIIR, 1); v&^iirFIFOBits != iirNoPending {
		t.Fatalf("expected initial IIR no-pending, got %#x", v)
	}
	if v, _ := u.Read(regLSR, 1); v != 0x60 {
		t.Fatalf("expected initial LSR 0x60, got %#x", v)
	}
	if v, _ := u.Read(regLCR, 1); v != 0x03 {
		t.Fatalf("expected initial LCR 0x03, got %#x", v)
	}
	if v, _ := u.Read(regMCR, 1); v != 0x08 {
		t.Fatalf("expected initial MCR 0x08, got %#x", v)
	}
	if v, _ := u.Read(regMSR, 1); v != 0xB0 {
		t.Fatalf("expected initial MSR 0xB0, got %#x", v)
	}
}

func TestNonLoopWritePassesThroughToSink(t *testing.T) {
	var buf bytes.Buffer
	u := New(&buf, &fakeIRQPoster{})

	u.Write(regData, 1, uint64('h'))
	u.Write(regData, 1, uint64('i'))

	if buf.String() != "hi" {
		t.Fatalf("expected sink to receive %q, got %q", "hi", buf.String())
	}
}

// TestWriteDoesNotTranslateCRLF pins the DATA write path to raw
// pass-through: no \r-to-\n translation, no swallowed \n.
func TestWriteDoesNotTranslateCRLF(t *testing.T) {
	var buf bytes.Buffer
	u := New(&buf, &fakeIRQPoster{})

	for _, b := range []byte("a\r\nb\r") {
		u.Write(regData, 1, uint64(b))
	}

	if got, want := buf.String(), "a\r\nb\r"; got != want {
		t.Fatalf("expected raw byte pass-through %q, got %q", want, got)
	}
}

func TestLoopModeBuffersInputAndCapsAt64(t *testing.T) {
	irq := &fakeIRQPoster{}
	u := New(&bytes.Buffer{}, irq)
	u.Write(regMCR, 1, 0x08|mcrLoop)

	for i := 0; i < 100; i++ {
		u.Write(regData, 1, uint64(byte(i)))
	}

	if len(u.inBuffer) != inBufferLoopCap {
		t.Fatalf("expected buffer capped at %d, got %d", inBufferLoopCap, len(u.inBuffer))
	}
}

func TestReadDataDrainsAndClearsReady(t *testing.T) {
	u := New(&bytes.Buffer{}, &fakeIRQPoster{})
	u.Write(regMCR, 1, 0x08|mcrLoop)
	u.Write(regData, 1, 'A')
	u.Write(regData, 1, 'B')

	v, _ := u.Read(regData, 1)
	if v != 'A' {
		t.Fatalf("expected 'A', got %q", v)
	}
	if lsr, _ := u.Read(regLSR, 1); lsr&lsrDataReady == 0 {
		t.Fatalf("expected data-ready still set with one byte remaining")
	}

	v, _ = u.Read(regData, 1)
	if v != 'B' {
		t.Fatalf("expected 'B', got %q", v)
	}
	if lsr, _ := u.Read(regLSR, 1); lsr&lsrDataReady != 0 {
		t.Fatalf("expected data-ready cleared once queue drained")
	}

	if v, _ := u.Read(regData, 1); v != 0 {
		t.Fatalf("expected 0 from empty queue, got %q", v)
	}
}

func TestIIRReadClearsPending(t *testing.T) {
	irq := &fakeIRQPoster{}
	u := New(&bytes.Buffer{}, irq)
	u.Write(regIER, 1, 0x01) // enable RX available interrupt
	u.Write(regMCR, 1, 0x08|mcrLoop)
	u.Write(regData, 1, 'X')

	if irq.count != 1 {
		t.Fatalf("expected one edge IRQ posted, got %d", irq.count)
	}

	v, _ := u.Read(regIIR, 1)
	if v&^iirFIFOBits != iirRxAvailable {
		t.Fatalf("expected rx-available cause, got %#x", v)
	}

	v, _ = u.Read(regIIR, 1)
	if v&^iirFIFOBits != iirNoPending {
		t.Fatalf("expected IIR to reset to no-pending after read, got %#x", v)
	}
}

func TestQueueInputBytesIgnoredInLoopMode(t *testing.T) {
	u := New(&bytes.Buffer{}, &fakeIRQPoster{})
	u.Write(regMCR, 1, 0x08|mcrLoop)
	u.QueueInputBytes([]byte("ignored"))

	if len(u.inBuffer) != 0 {
		t.Fatalf("expected external input to be dropped while in loop mode")
	}
}

func TestQueueInputBytesSignalsInterrupt(t *testing.T) {
	irq := &fakeIRQPoster{}
	u := New(&bytes.Buffer{}, irq)
	u.Write(regIER, 1, 0x01)

	u.QueueInputBytes([]byte("hi"))

	if irq.count != 1 {
		t.Fatalf("expected one edge IRQ posted, got %d", irq.count)
	}
	v, _ := u.Read(regData, 1)
	if v != 'h' {
		t.Fatalf("expected 'h', got %q", v)
	}
}
