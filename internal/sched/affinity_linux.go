//go:build linux

package sched

import "golang.org/x/sys/unix"

// pinToCPU restricts the calling OS thread to cpu if cpu >= 0, and does
// nothing otherwise. It does not lock the goroutine to its OS thread;
// driveLoop does that before calling it.
func pinToCPU(cpu int) error {
	if cpu < 0 {
		return nil
	}
	var mask unix.CPUSet
	mask.Set(cpu)
	return unix.SchedSetaffinity(0, &mask)
}
