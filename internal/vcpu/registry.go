package vcpu

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// VipiEngine is the subset of internal/vipi.Engine the registry posts
// through.
type VipiEngine interface {
	VIPIIDFor(vcpuID int) (uint32, bool)
	SetVIPI(vipiID uint32) error
}

// Registry indexes live vCPUs by id and implements plic.Notifier and
// sbi.IPITarget without either package holding a pointer back into the
// vCPU it targets — the lookup-table seam spec.md §9 calls for in place of
// a PLIC↔vCPU cyclic reference.
type Registry struct {
	vcpus []*VCPU
	vipi  VipiEngine
}

// NewRegistry builds a registry over vcpus, indexed by VCPU.ID().
func NewRegistry(vcpus []*VCPU, vipi VipiEngine) *Registry {
	byID := make([]*VCPU, len(vcpus))
	for _, v := range vcpus {
		byID[v.ID()] = v
	}
	return &Registry{vcpus: byID, vipi: vipi}
}

func (r *Registry) lookup(vcpuID int) (*VCPU, error) {
	if vcpuID < 0 || vcpuID >= len(r.vcpus) || r.vcpus[vcpuID] == nil {
		return nil, fmt.Errorf("vcpu: registry has no vcpu %d", vcpuID)
	}
	return r.vcpus[vcpuID], nil
}

// SetVSExtPending implements plic.Notifier.
func (r *Registry) SetVSExtPending(vcpuID int, pending bool) (running bool) {
	v, err := r.lookup(vcpuID)
	if err != nil {
		return false
	}
	return v.SetVSExtPending(pending)
}

// SetVSSoftPending implements plic.Notifier and sbi.IPITarget.
func (r *Registry) SetVSSoftPending(vcpuID int) (running bool) {
	return r.TriggerVSSoft(vcpuID)
}

// TriggerVSSoft implements sbi.IPITarget's naming for the same operation.
func (r *Registry) TriggerVSSoft(vcpuID int) (running bool) {
	v, err := r.lookup(vcpuID)
	if err != nil {
		return false
	}
	return v.SetVSSoftPending()
}

// PostVIPI implements plic.Notifier and sbi.IPITarget: it sets the
// target's vipi CSR bit and, if that vCPU has a registered host thread
// (tid), sends it a targeted signal to wake it from EnterGuest, the same
// way the teacher's KVM backend interrupts a running vCPU.
func (r *Registry) PostVIPI(vcpuID int) {
	v, err := r.lookup(vcpuID)
	if err != nil {
		return
	}

	if id, ok := r.vipi.VIPIIDFor(vcpuID); ok {
		_ = r.vipi.SetVIPI(id)
	}

	if tid := v.tid.Load(); tid != 0 {
		_ = unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG)
	}
}

// SetTID records the OS thread id running vCPU v, called once from within
// the pinned vCPU goroutine after runtime.LockOSThread.
func (v *VCPU) SetTID(tid int) { v.tid.Store(int32(tid)) }

// PostTimerInterrupt sets the target's VS-timer pending bit and wakes its
// host thread the same way PostVIPI does, standing in for the hardware
// timer-compare trap a real stimecmp write would deliver.
func (r *Registry) PostTimerInterrupt(vcpuID int) {
	v, err := r.lookup(vcpuID)
	if err != nil {
		return
	}
	v.SetVSTimerPending()
	if tid := v.tid.Load(); tid != 0 {
		_ = unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG)
	}
}

// clearTimer drops vcpuID's VS-timer pending bit;
// TimerEngine.ClearPendingVSTimer delegates to it.
func (r *Registry) clearTimer(vcpuID int) {
	if v, err := r.lookup(vcpuID); err == nil {
		v.ClearVSTimerPending()
	}
}
