// Package clock backs the get_cycles syscall. The nanokernel core
// itself has no notion of wall-clock time beyond a monotonically
// increasing cycle counter.
package clock

import "sync/atomic"

// Monotonic is a real cycle counter: every read advances by one,
// standing in for a hardware cycle-counter register that the kernel
// would otherwise read directly.
type Monotonic struct {
	ticks atomic.Uint64
}

// NewMonotonic returns a fresh counter starting at zero.
func NewMonotonic() *Monotonic {
	return &Monotonic{}
}

// Cycles returns the next cycle value and advances the counter.
func (m *Monotonic) Cycles() uint64 {
	return m.ticks.Add(1)
}

// Fake is a deterministic clock for tests: it never advances on its
// own, only when Advance is called, so tests can assert exact cycle
// deltas between events — e.g. that a preemption's cycle delta between
// a signal and the wake it causes stays within a tight bound.
type Fake struct {
	value atomic.Uint64
}

// NewFake returns a fake clock starting at zero.
func NewFake() *Fake {
	return &Fake{}
}

// Cycles returns the current fake value without advancing it.
func (f *Fake) Cycles() uint64 {
	return f.value.Load()
}

// Advance moves the fake clock forward by n ticks.
func (f *Fake) Advance(n uint64) {
	f.value.Add(n)
}
