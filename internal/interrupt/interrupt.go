// Package interrupt implements the per-IRQ handler registration and
// delivery engine: one handler thread per IRQ line,
// interrupt_wait/interrupt_register/interrupt_deregister, and (on
// multi-core builds) a per-priority mask bitmap. Fire does not consult
// the mask: a fired IRQ is delivered whatever priority the core is
// running.
package interrupt

import (
	"sync"

	"github.com/go-nanokernel/nanokernel/internal/continuation"
	"github.com/go-nanokernel/nanokernel/internal/interfaces"
	"github.com/go-nanokernel/nanokernel/internal/kerr"
	"github.com/go-nanokernel/nanokernel/internal/sched"
	"github.com/go-nanokernel/nanokernel/internal/tcbtable"
	"github.com/go-nanokernel/nanokernel/internal/utcb"
)

// Engine is the interrupt subsystem: a fixed table mapping each IRQ
// line to the single thread currently registered for it, plus the
// priority mask bitmap on multi-core configurations. mu serializes the
// handler table and priority mask against concurrent
// Register/Deregister/Fire calls from different cores.
type Engine struct {
	mu sync.Mutex

	handlers []*tcbtable.TCB

	// priorityIntMask[p] has bit irq set iff irq is masked at priority
	// p. Only maintained when smp is true; Fire does not read it.
	priorityIntMask []uint64
	smp             bool

	sched    *sched.Scheduler
	logger   interfaces.Logger
	observer interfaces.Observer
}

// New builds an interrupt engine sized for cfg.NumInterrupts lines.
// NumInterrupts must not exceed 64, the bitmap width priorityIntMask
// relies on (same bound sched.New enforces on NumPriorities).
func New(numInterrupts, numPriorities, numExecutionUnits int, s *sched.Scheduler, logger interfaces.Logger, observer interfaces.Observer) (*Engine, error) {
	if numInterrupts > 64 {
		return nil, kerr.New("interrupt_init", kerr.Invalid, "NumInterrupts exceeds bitmap width")
	}
	return &Engine{
		handlers:        make([]*tcbtable.TCB, numInterrupts),
		priorityIntMask: make([]uint64, numPriorities),
		smp:             numExecutionUnits > 1,
		sched:           s,
		logger:          logger,
		observer:        observer,
	}, nil
}

func bit(irq int) uint64 { return 1 << uint(irq) }

func (e *Engine) validIRQ(irq int) bool {
	return irq >= 0 && irq < len(e.handlers)
}

// Register binds cur as the handler thread for irq. Fails with BUSY if
// irq already has a handler, or cur already has a different
// registration (a thread may only ever own one IRQ at a time, per
// RegisteredInterrupt's single-slot shape on TCB).
func (e *Engine) Register(cur *tcbtable.TCB, irq int) error {
	if !e.validIRQ(irq) {
		return kerr.NewForThread("interrupt_register", cur.Tid, kerr.Invalid, "irq out of range")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers[irq] != nil {
		return kerr.NewForThread("interrupt_register", cur.Tid, kerr.Busy, "irq already has a handler")
	}
	if cur.RegisteredInterrupt != tcbtable.NoIRQ {
		return kerr.NewForThread("interrupt_register", cur.Tid, kerr.Busy, "thread already owns an irq")
	}

	if e.smp {
		top := len(e.priorityIntMask) - 1
		for p := top; p > cur.Priority; p-- {
			e.priorityIntMask[p] |= bit(irq)
		}
		for p := cur.Priority; p >= 0; p-- {
			e.priorityIntMask[p] &^= bit(irq)
		}
	}

	e.handlers[irq] = cur
	cur.RegisteredInterrupt = irq
	return nil
}

// Deregister releases cur's ownership of irq, re-masking it at every
// priority on SMP builds: a deregistered IRQ has no handler to deliver
// to, so it is masked everywhere, not just above some priority.
func (e *Engine) Deregister(cur *tcbtable.TCB, irq int) error {
	if !e.validIRQ(irq) {
		return kerr.NewForThread("interrupt_deregister", cur.Tid, kerr.Invalid, "irq out of range")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers[irq] != cur {
		return kerr.NewForThread("interrupt_deregister", cur.Tid, kerr.Invalid, "irq not owned by this thread")
	}
	e.deregisterLocked(cur, irq)
	return nil
}

func (e *Engine) deregisterLocked(cur *tcbtable.TCB, irq int) {
	if e.smp {
		for p := range e.priorityIntMask {
			e.priorityIntMask[p] |= bit(irq)
		}
	}
	e.handlers[irq] = nil
	cur.RegisteredInterrupt = tcbtable.NoIRQ
}

// PreThreadExitCleanup deregisters cur's IRQ, if it owns one, as part
// of thread teardown, called from thread-exit cleanup before a TCB is
// freed.
func (e *Engine) PreThreadExitCleanup(cur *tcbtable.TCB) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur.RegisteredInterrupt != tcbtable.NoIRQ {
		e.deregisterLocked(cur, cur.RegisteredInterrupt)
	}
}

// Wait blocks cur, the registered handler for its own
// RegisteredInterrupt, until that IRQ is delivered, and returns the
// IRQ number. Fails INVALID if cur has not registered for any IRQ.
// The same number is left in cur.UTCB.PendingIRQ (platform_reserved[0])
// for the thread to read again later, until it or Ack clears it.
func (e *Engine) Wait(cur *tcbtable.TCB) (int, error) {
	if cur.RegisteredInterrupt == tcbtable.NoIRQ {
		return -1, kerr.NewForThread("interrupt_wait", cur.Tid, kerr.Invalid, "thread has no registered interrupt")
	}
	continuation.Block(e.sched, cur, tcbtable.WaitInt)
	return int(cur.UTCB.PendingIRQ), nil
}

// Ack clears cur's pending-IRQ word back to the sentinel, the
// kernel-checked form of the userland convention of writing the
// sentinel back to platform_reserved[0] directly.
func (e *Engine) Ack(cur *tcbtable.TCB) {
	cur.UTCB.PendingIRQ = utcb.PendingIRQSentinel
}

// Fire simulates the platform asserting irq: if a handler is
// registered and currently waiting for it, the handler is moved to
// READY with irq stamped into its UTCB's pending-IRQ word (the value
// Wait returns). An IRQ whose handler has not yet re-armed with Wait
// (still processing the previous delivery) is dropped: there is no
// pending-IRQ buffer here, since real level-triggered hardware simply
// re-asserts on its own rather than needing software replay.
func (e *Engine) Fire(irq int) error {
	if !e.validIRQ(irq) {
		return kerr.New("interrupt_fire", kerr.Invalid, "irq out of range")
	}

	e.mu.Lock()
	handler := e.handlers[irq]
	if handler == nil {
		e.mu.Unlock()
		return nil
	}
	if handler.State != tcbtable.WaitInt {
		e.mu.Unlock()
		return nil
	}
	handler.UTCB.PendingIRQ = uint64(irq)
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.IRQDispatch(irq, handler.Tid)
	}
	if e.observer != nil {
		e.observer.ObserveIRQDelivery(irq)
	}
	e.sched.Activate(handler)
	return nil
}
