// Package nanokernel assembles the TCB table, scheduler, continuation
// discipline, and IPC/futex/interrupt engines (internal/tcbtable,
// internal/sched, internal/continuation, internal/ipc, internal/futex,
// internal/interrupt) into the syscall surface user threads call into.
// A "thread" is a goroutine running a user-supplied body that calls
// back into the kernel through *Thread's methods; a "core" is one of
// internal/sched's per-core driving-loop goroutines, the only thing
// ever allowed to resume one.
package nanokernel

import (
	"sync"
	"sync/atomic"

	"github.com/go-nanokernel/nanokernel/internal/clock"
	"github.com/go-nanokernel/nanokernel/internal/config"
	"github.com/go-nanokernel/nanokernel/internal/futex"
	"github.com/go-nanokernel/nanokernel/internal/interfaces"
	"github.com/go-nanokernel/nanokernel/internal/interrupt"
	"github.com/go-nanokernel/nanokernel/internal/ipc"
	"github.com/go-nanokernel/nanokernel/internal/logging"
	"github.com/go-nanokernel/nanokernel/internal/sched"
	"github.com/go-nanokernel/nanokernel/internal/tcbtable"
)

// Kernel is one booted nanokernel instance: a fixed TCB table, a
// per-core scheduler, and the IPC/futex/interrupt engines layered over
// it.
type Kernel struct {
	cfg     config.Config
	table   *tcbtable.Table
	sched   *sched.Scheduler
	ipcEng  *ipc.Engine
	futexEn *futex.Engine
	intr    *interrupt.Engine
	clock   interfaces.Clock
	log     interfaces.Logger
	metrics *Metrics

	// coreRR round-robins thread_create's implicit core placement.
	// thread_create takes no explicit core argument, so placement is
	// the kernel's own policy rather than the caller's.
	coreRR atomic.Uint64

	// tcbLock serializes table.Allocate/table.Free and the
	// Joiner/Zombie bookkeeping in thread.go, kept separate from the
	// scheduler's own mutex and the IPC/futex/interrupt engines' locks
	// so no single lock ever covers more than one subsystem's state.
	tcbLock sync.Mutex
}

// Option configures Boot.
type Option func(*bootOpts)

type bootOpts struct {
	clock  interfaces.Clock
	logger interfaces.Logger
}

// WithClock overrides the kernel's get_cycles source, e.g. with
// internal/clock.Fake in tests that need deterministic cycle deltas.
func WithClock(c interfaces.Clock) Option { return func(o *bootOpts) { o.clock = c } }

// WithLogger overrides the kernel's logger.
func WithLogger(l interfaces.Logger) Option { return func(o *bootOpts) { o.logger = l } }

// Boot constructs and starts a kernel instance: allocates the TCB
// table, builds the scheduler (one CPU-pinnable driving-loop goroutine
// per execution unit), and wires the IPC/futex/interrupt engines over
// it. The returned kernel is live — its cores are already running —
// until Shutdown is called.
func Boot(cfg config.Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := bootOpts{clock: clock.NewMonotonic(), logger: logging.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	table := tcbtable.New(cfg.MaxTCBs)
	metrics := NewMetrics()

	s, err := sched.New(cfg, table, o.logger, metrics)
	if err != nil {
		return nil, err
	}
	intr, err := interrupt.New(cfg.NumInterrupts, cfg.NumPriorities, cfg.NumExecutionUnits, s, o.logger, metrics)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:     cfg,
		table:   table,
		sched:   s,
		ipcEng:  ipc.New(table, s, o.logger, o.clock, metrics),
		futexEn: futex.New(cfg, s, o.logger, metrics),
		intr:    intr,
		clock:   o.clock,
		log:     o.logger,
		metrics: metrics,
	}

	for i := 0; i < cfg.NumExecutionUnits; i++ {
		s.StartCore(i, -1)
	}
	return k, nil
}

// Shutdown stops every core's driving loop. Threads still running at
// shutdown are abandoned rather than joined — this is test/harness
// teardown, the simulator's stand-in for a reset vector the original
// kernel never reaches.
func (k *Kernel) Shutdown() {
	k.sched.Stop()
}

// Config returns the build-time sizing this kernel was booted with.
func (k *Kernel) Config() config.Config { return k.cfg }

// NumCores returns the number of execution units this kernel manages.
func (k *Kernel) NumCores() int { return k.sched.NumCores() }

// Metrics returns the kernel's counters.
func (k *Kernel) Metrics() *Metrics { return k.metrics }

// FireInterrupt simulates the platform asserting IRQ irq: the
// hardware side of interrupt delivery, never issued by a thread, so it
// lives on Kernel rather than Thread (contrast Thread.InterruptWait,
// the thread-side syscall).
func (k *Kernel) FireInterrupt(irq int) error {
	return k.intr.Fire(irq)
}

// nextCore implements the round-robin placement policy coreRR's doc
// comment describes.
func (k *Kernel) nextCore() int {
	n := k.coreRR.Add(1) - 1
	return int(n % uint64(k.sched.NumCores()))
}
