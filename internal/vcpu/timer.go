package vcpu

import (
	"sync/atomic"
	"time"
)

// TimerEngine implements internal/sbi.Timer by standing in for the
// stimecmp hardware comparator: the real timer interrupt arrives through
// host trap delegation, but nothing in this module drives real hardware,
// so a software poll loop plays the same role, the way
// internal/hv/riscv/rv64/clint.go derives its timer from
// time.Since(startTime) instead of a hardware counter.
type TimerEngine struct {
	registry  *Registry
	startTime time.Time
	deadlines []atomic.Uint64 // nanoseconds since startTime; 0 == disarmed
	interval  time.Duration
}

// NewTimerEngine constructs a TimerEngine for numVCPU vCPUs.
func NewTimerEngine(numVCPU int, registry *Registry, interval time.Duration) *TimerEngine {
	if interval <= 0 {
		interval = 100 * time.Microsecond
	}
	return &TimerEngine{
		registry:  registry,
		startTime: time.Now(),
		deadlines: make([]atomic.Uint64, numVCPU),
		interval:  interval,
	}
}

// SetTimer implements internal/sbi.Timer: deadline is an absolute
// nanosecond timestamp in the same timebase as the guest's TimeDelta
// origin.
func (e *TimerEngine) SetTimer(vcpuID int, deadline uint64) {
	if vcpuID < 0 || vcpuID >= len(e.deadlines) {
		return
	}
	e.deadlines[vcpuID].Store(deadline)
}

// ClearPendingVSTimer implements internal/sbi.Timer.
func (e *TimerEngine) ClearPendingVSTimer(vcpuID int) {
	e.registry.clearTimer(vcpuID)
}

// now returns the current time in the engine's timebase.
func (e *TimerEngine) now() uint64 {
	return uint64(time.Since(e.startTime).Nanoseconds())
}

// Run polls every armed deadline and posts a VS-timer interrupt once it has
// passed, then disarms it (the guest re-arms via another set_timer call,
// spec.md §5 "the guest re-arms as needed"). It returns when stop is
// closed.
func (e *TimerEngine) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := e.now()
			for id := range e.deadlines {
				deadline := e.deadlines[id].Load()
				if deadline == 0 || deadline > now {
					continue
				}
				if e.deadlines[id].CompareAndSwap(deadline, 0) {
					e.registry.PostTimerInterrupt(id)
				}
			}
		}
	}
}
