package mmiobus

import "testing"

type fakeDevice struct {
	size   uint64
	reads  []uint64
	writes []uint64
}

func (f *fakeDevice) Size() uint64 { return f.size }

func (f *fakeDevice) Read(offset uint64, size int) (uint64, error) {
	f.reads = append(f.reads, offset)
	return offset, nil
}

func (f *fakeDevice) Write(offset uint64, size int, value uint64) error {
	f.writes = append(f.writes, offset)
	return nil
}

func TestRegisterOverlapRejected(t *testing.T) {
	b := New()
	if err := b.Register("a", 0x1000, &fakeDevice{size: 0x100}); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := b.Register("b", 0x1080, &fakeDevice{size: 0x100}); err == nil {
		t.Fatalf("expected overlap error")
	}
	if err := b.Register("c", 0x1100, &fakeDevice{size: 0x100}); err != nil {
		t.Fatalf("Register c: %v", err)
	}
}

func TestDispatchByRange(t *testing.T) {
	b := New()
	uart := &fakeDevice{size: 8}
	plic := &fakeDevice{size: 0x4000000}
	if err := b.Register("uart", 0x3f8, uart); err != nil {
		t.Fatal(err)
	}
	if err := b.Register("plic", 0x0c000000, plic); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Read(0x3fa, 1); err != nil {
		t.Fatalf("Read uart: %v", err)
	}
	if len(uart.reads) != 1 || uart.reads[0] != 2 {
		t.Fatalf("expected uart offset 2, got %v", uart.reads)
	}

	if err := b.Write(0x0c000004, 4, 7); err != nil {
		t.Fatalf("Write plic: %v", err)
	}
	if len(plic.writes) != 1 || plic.writes[0] != 4 {
		t.Fatalf("expected plic offset 4, got %v", plic.writes)
	}
}

func TestUnmappedFaultsFatalByError(t *testing.T) {
	b := New()
	if _, err := b.Read(0xdeadbeef, 4); err == nil {
		t.Fatalf("expected ErrUnmapped")
	}
}

func TestLookupBoundary(t *testing.T) {
	b := New()
	dev := &fakeDevice{size: 0x200}
	if err := b.Register("blk", 0x10000000, dev); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := b.Lookup(0x10000200); ok {
		t.Fatalf("end address should not be claimed (half-open range)")
	}
	if _, _, ok := b.Lookup(0x10000000); !ok {
		t.Fatalf("base address should be claimed")
	}
}
