package vcpu

import "testing"

type fakeVipiEngine struct {
	ids  map[int]uint32
	sets []uint32
}

func (f *fakeVipiEngine) VIPIIDFor(vcpuID int) (uint32, bool) {
	id, ok := f.ids[vcpuID]
	return id, ok
}
func (f *fakeVipiEngine) SetVIPI(vipiID uint32) error {
	f.sets = append(f.sets, vipiID)
	return nil
}

func newRegistryVCPU(id int) *VCPU {
	return New(Config{
		ID: id, Driver: &fakeDriver{}, Vipi: &fakeVipiRegist{}, Pages: &fakePageRoot{},
		PLIC: &fakePLIC{}, Bus: &fakeBus{}, SBI: &fakeSBI{}, Faults: &fakeFaults{},
		GuestMem: &fakeGuestMem{}, Runner: &scriptedRunner{},
	})
}

func TestRegistrySetVSExtPendingReportsRunning(t *testing.T) {
	v0 := newRegistryVCPU(0)
	v0.isRunning.Store(true)
	r := NewRegistry([]*VCPU{v0}, &fakeVipiEngine{ids: map[int]uint32{}})

	running := r.SetVSExtPending(0, true)
	if !running {
		t.Fatalf("expected running=true")
	}
	if v0.pending.Load()&PendingVSExt == 0 {
		t.Fatalf("expected VS-ext pending bit set")
	}
}

func TestRegistryLookupMissingVCPUIsSafe(t *testing.T) {
	r := NewRegistry(nil, &fakeVipiEngine{ids: map[int]uint32{}})
	if running := r.SetVSExtPending(5, true); running {
		t.Fatalf("expected false for unknown vcpu")
	}
	r.PostVIPI(5) // must not panic
}

func TestPostVIPISetsVipiBit(t *testing.T) {
	v0 := newRegistryVCPU(0)
	vipi := &fakeVipiEngine{ids: map[int]uint32{0: 7}}
	r := NewRegistry([]*VCPU{v0}, vipi)

	r.PostVIPI(0)
	if len(vipi.sets) != 1 || vipi.sets[0] != 7 {
		t.Fatalf("expected vipi id 7 set, got %v", vipi.sets)
	}
}
