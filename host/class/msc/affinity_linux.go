//go:build linux

package msc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinThread binds the calling OS thread to core and applies priority as a
// nice value offset. The caller must hold the thread with
// runtime.LockOSThread.
func pinThread(core, priority int) error {
	tid := unix.Gettid()

	if core >= 0 {
		var set unix.CPUSet
		set.Set(core)
		if err := unix.SchedSetaffinity(tid, &set); err != nil {
			return fmt.Errorf("set affinity to core %d: %w", core, err)
		}
	}

	// Higher task priority maps to a lower nice value
	if priority > 0 {
		nice := max(-20, -priority)
		if err := unix.Setpriority(unix.PRIO_PROCESS, tid, nice); err != nil {
			return fmt.Errorf("set priority %d: %w", nice, err)
		}
	}
	return nil
}
