// Package config holds the build-time constants that would, in the
// original nanokernel, be patched into the kernel image by the mash
// tool. Here they are simply fields on a Config value constructed at
// kernel-boot time.
package config

import (
	"math/bits"

	"github.com/go-nanokernel/nanokernel/internal/kerr"
)

// Config is the set of sizing parameters fixed for the lifetime of a
// kernel instance. All of them are conceptually "patched at build
// time" — nothing in the kernel resizes these tables at runtime.
type Config struct {
	// MaxTCBs is the total number of thread control blocks.
	MaxTCBs int

	// NumInterrupts is the number of distinct IRQ lines the platform
	// exposes.
	NumInterrupts int

	// NumPriorities is the number of distinct priority levels;
	// MaxPriority is NumPriorities-1.
	NumPriorities int

	// NumExecutionUnits is the number of cores the kernel schedules
	// across.
	NumExecutionUnits int

	// FutexHashSlots and FutexHashSlotsLg2 are derived, not set
	// directly: see DeriveFutexHash.
	FutexHashSlots    int
	FutexHashSlotsLg2 uint
}

// MaxPriority returns the highest legal priority value.
func (c Config) MaxPriority() int {
	return c.NumPriorities - 1
}

// DefaultConfig returns a small, test-friendly configuration.
func DefaultConfig() Config {
	c := Config{
		MaxTCBs:           256,
		NumInterrupts:     64,
		NumPriorities:     32,
		NumExecutionUnits: 1,
	}
	c.deriveFutexHash()
	return c
}

// New returns a Config with its derived fields computed. It does not
// validate; call Validate for that.
func New(maxTCBs, numInterrupts, numPriorities, numExecutionUnits int) Config {
	c := Config{
		MaxTCBs:           maxTCBs,
		NumInterrupts:     numInterrupts,
		NumPriorities:     numPriorities,
		NumExecutionUnits: numExecutionUnits,
	}
	c.deriveFutexHash()
	return c
}

// deriveFutexHash computes futex_hash_slots and futex_hash_slots_lg2
// as the next power of two strictly greater than 1.5*MaxTCBs.
func (c *Config) deriveFutexHash() {
	threshold := (c.MaxTCBs * 3) / 2
	slots := 1
	lg2 := uint(0)
	for slots <= threshold {
		slots <<= 1
		lg2++
	}
	c.FutexHashSlots = slots
	c.FutexHashSlotsLg2 = lg2
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.MaxTCBs <= 0 {
		return kerr.New("config_validate", kerr.Invalid, "MaxTCBs must be positive")
	}
	if c.NumInterrupts <= 0 {
		return kerr.New("config_validate", kerr.Invalid, "NumInterrupts must be positive")
	}
	if c.NumPriorities <= 0 {
		return kerr.New("config_validate", kerr.Invalid, "NumPriorities must be positive")
	}
	if c.NumExecutionUnits <= 0 {
		return kerr.New("config_validate", kerr.Invalid, "NumExecutionUnits must be positive")
	}
	if c.FutexHashSlots == 0 || bits.OnesCount(uint(c.FutexHashSlots)) != 1 {
		return kerr.New("config_validate", kerr.Invalid, "FutexHashSlots must be a power of two")
	}
	return nil
}
