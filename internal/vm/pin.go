package vm

import "golang.org/x/sys/unix"

// pinToCPU restricts the calling OS thread to cpuID, matching the virtual-
// PLIC driver's placement decision (spec.md §4.9 step 8: "pinned to a
// host CPU chosen by the virtual-PLIC driver"). Failures are not fatal —
// an unpinned vCPU thread still runs correctly, just without the placement
// hint.
func pinToCPU(cpuID int) {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	_ = unix.SchedSetaffinity(0, &set)
}
