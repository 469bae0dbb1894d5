//go:build !linux

package sched

// pinToCPU is a no-op off Linux; CPU affinity is advisory everywhere
// this simulator runs its tests.
func pinToCPU(cpu int) error {
	return nil
}
