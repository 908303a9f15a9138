package vplic

import "testing"

type fakeEdgeTrigger struct{ posted []uint32 }

func (f *fakeEdgeTrigger) TriggerEdgeIRQ(irq uint32) { f.posted = append(f.posted, irq) }

func newTestShim(mode Mode, plic EdgeTrigger) *Shim {
	offset := uint64(0)
	if mode == ModeVirtualized {
		offset = VModeOffset
	}
	return &Shim{mem: make([]byte, Size), offset: offset, plic: plic}
}

func TestTriggerEdgeIRQSetsBitAndForwards(t *testing.T) {
	fake := &fakeEdgeTrigger{}
	s := newTestShim(ModePlain, fake)

	s.TriggerEdgeIRQ(12) // blk IRQ: bit (12-10)=2
	if s.PostedVector() != 1<<2 {
		t.Fatalf("expected posted vector bit 2 set, got %#x", s.PostedVector())
	}
	if len(fake.posted) != 1 || fake.posted[0] != 12 {
		t.Fatalf("expected forward to software plic, got %v", fake.posted)
	}
}

func TestTriggerEdgeIRQBelowOffsetIgnored(t *testing.T) {
	fake := &fakeEdgeTrigger{}
	s := newTestShim(ModePlain, fake)

	s.TriggerEdgeIRQ(3)
	if s.PostedVector() != 0 || len(fake.posted) != 0 {
		t.Fatalf("expected irq below VirtIRQOffset to be ignored")
	}
}

func TestAckVectorClearsBit(t *testing.T) {
	s := newTestShim(ModePlain, nil)
	s.TriggerEdgeIRQ(11)
	if s.PostedVector() == 0 {
		t.Fatalf("expected bit set before ack")
	}
	s.AckVector(11)
	if s.PostedVector() != 0 {
		t.Fatalf("expected bit cleared after ack, got %#x", s.PostedVector())
	}
}

func TestVirtualizedModeUsesVModeOffset(t *testing.T) {
	s := newTestShim(ModeVirtualized, nil)
	s.TriggerEdgeIRQ(11)
	if s.mem[VModeOffset] == 0 {
		t.Fatalf("expected posted word written at VModeOffset")
	}
	if s.mem[0] != 0 {
		t.Fatalf("expected offset-0 word untouched in virtualized mode")
	}
}
