package nanokernel

import (
	"github.com/go-nanokernel/nanokernel/internal/clock"
	"github.com/go-nanokernel/nanokernel/internal/config"
)

// NewTestKernel boots a kernel sized by the given parameters with a
// deterministic Fake clock instead of a real monotonic counter, so
// tests can assert exact cycle deltas between events — useful for
// priority-preemption scenarios that want a tightly bounded cycle
// delta between a signal and the wake it causes. Never used by
// production callers, only by this module's own tests and by other
// packages' tests that need a running kernel.
func NewTestKernel(maxTCBs, numInterrupts, numPriorities, numCores int) (*Kernel, *clock.Fake, error) {
	cfg := config.New(maxTCBs, numInterrupts, numPriorities, numCores)
	fc := clock.NewFake()
	k, err := Boot(cfg, WithClock(fc))
	if err != nil {
		return nil, nil, err
	}
	return k, fc, nil
}

// lcg is a small linear congruential generator for scripted test
// scenarios that need a reproducible pseudo-random sequence of futex
// tags, without pulling in math/rand for something this deterministic.
type lcg struct{ state uint64 }

// newLCG returns a generator seeded with a fixed, non-zero value so
// test runs are byte-for-byte reproducible.
func newLCG(seed uint64) *lcg {
	if seed == 0 {
		seed = 1
	}
	return &lcg{state: seed}
}

// Next advances the generator and returns the next pseudo-random
// 32-bit value (the high half of the state), with 0 replaced by 1 so it
// is never the reserved futex tag 0.
func (g *lcg) Next() uint32 {
	// Knuth's MMIX constants; this is a test-data generator, not
	// a security primitive.
	g.state = g.state*6364136223846793005 + 1442695040888963407
	v := uint32(g.state >> 32)
	if v == 0 {
		v = 1
	}
	return v
}
