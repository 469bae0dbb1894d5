// Package sched implements the priority scheduler: per-core ready
// queues indexed by priority, a bitmap for O(1) schedule(), and the
// activate/deactivate/yield operations threads and subsystems drive
// scheduling decisions through. Each core runs a CPU-pinned
// driving-loop goroutine gated by channels instead of a blocking read
// on a device, picking and resuming the next thread forever.
package sched

import (
	"math/bits"
	"sync"

	"github.com/go-nanokernel/nanokernel/internal/config"
	"github.com/go-nanokernel/nanokernel/internal/interfaces"
	"github.com/go-nanokernel/nanokernel/internal/kerr"
	"github.com/go-nanokernel/nanokernel/internal/tcbtable"
)

// Core is one scheduling domain: a fixed set of threads pinned to it at
// creation time (no work stealing across cores), its own ready-queue
// array and priority bitmap, and a driving-loop goroutine that is the
// only thing ever allowed to resume a thread on this core.
type Core struct {
	id    int
	sched *Scheduler

	readyHead []*tcbtable.TCB
	readyTail []*tcbtable.TCB
	bitmap    uint64 // bit i set iff readyHead[i] != nil; NumPriorities <= 64.

	current *tcbtable.TCB
	idle    *tcbtable.TCB

	wake    chan struct{} // poked when a foreign activate targets this idle core
	handoff chan struct{} // signaled by the running thread when it yields control
	stop    chan struct{}

	cpu int // OS CPU index for affinity pinning, -1 if unset
}

// ID returns the core's index.
func (c *Core) ID() int { return c.id }

// Current returns the TCB the driving loop most recently resumed.
func (c *Core) Current() *tcbtable.TCB { return c.current }

// Scheduler owns every core and the shared ready-queue/bitmap state.
// Free-list and create/exit/join bookkeeping is covered by the
// kernel's own tcb lock; mu additionally covers ready-queue membership
// and the bitmap, since both are mutated by activate/deactivate calls
// that can originate from any core.
type Scheduler struct {
	cfg   config.Config
	table *tcbtable.Table
	cores []*Core

	mu sync.Mutex

	logger   interfaces.Logger
	observer interfaces.Observer
}

// New builds a scheduler with cfg.NumExecutionUnits cores, each given a
// dedicated idle TCB allocated from table.
func New(cfg config.Config, table *tcbtable.Table, logger interfaces.Logger, observer interfaces.Observer) (*Scheduler, error) {
	if cfg.NumPriorities > 64 {
		return nil, kerr.New("scheduler_init", kerr.Invalid, "NumPriorities exceeds bitmap width")
	}
	s := &Scheduler{cfg: cfg, table: table, logger: logger, observer: observer}
	s.cores = make([]*Core, cfg.NumExecutionUnits)
	for i := range s.cores {
		idle, err := table.Allocate()
		if err != nil {
			return nil, kerr.Wrap("scheduler_init", kerr.NoMemory, err)
		}
		idle.State = tcbtable.Ready
		idle.Priority = 0
		idle.Core = i

		c := &Core{
			id:        i,
			sched:     s,
			readyHead: make([]*tcbtable.TCB, cfg.NumPriorities),
			readyTail: make([]*tcbtable.TCB, cfg.NumPriorities),
			idle:      idle,
			wake:      make(chan struct{}, 1),
			handoff:   make(chan struct{}, 1),
			stop:      make(chan struct{}),
			cpu:       -1,
		}
		s.cores[i] = c
	}
	return s, nil
}

// Core returns the core by id, or nil if out of range.
func (s *Scheduler) Core(id int) *Core {
	if id < 0 || id >= len(s.cores) {
		return nil
	}
	return s.cores[id]
}

// NumCores returns the number of execution units the scheduler manages.
func (s *Scheduler) NumCores() int { return len(s.cores) }

// enqueueReady appends tcb to the tail of its home core's priority
// queue and sets the corresponding bitmap bit. Caller holds s.mu.
func (s *Scheduler) enqueueReady(tcb *tcbtable.TCB) {
	c := s.cores[tcb.Core]
	p := tcb.Priority
	tcb.Next = nil
	tcb.Prev = nil
	if c.readyHead[p] == nil {
		c.readyHead[p] = tcb
		c.readyTail[p] = tcb
	} else {
		tail := c.readyTail[p]
		tail.Next = tcb
		tcb.Prev = tail
		c.readyTail[p] = tcb
	}
	c.bitmap |= 1 << uint(p)
}

// dequeueReadyHighest pops and returns the head of the highest-priority
// non-empty queue on c, or nil if none are non-empty. Caller holds
// s.mu.
func (s *Scheduler) dequeueReadyHighest(c *Core) *tcbtable.TCB {
	if c.bitmap == 0 {
		return nil
	}
	p := bits.Len64(c.bitmap) - 1
	tcb := c.readyHead[p]
	next := tcb.Next
	c.readyHead[p] = next
	if next == nil {
		c.readyTail[p] = nil
		c.bitmap &^= 1 << uint(p)
	} else {
		next.Prev = nil
	}
	tcb.Next = nil
	tcb.Prev = nil
	return tcb
}

// removeFromReady unlinks tcb from its priority queue without regard
// to position. Used when a thread is activated twice in a race-free
// window, or for bookkeeping symmetry with deactivate_self. Caller
// holds s.mu.
func (s *Scheduler) removeFromReady(tcb *tcbtable.TCB) {
	c := s.cores[tcb.Core]
	p := tcb.Priority
	if tcb.Prev == nil && c.readyHead[p] != tcb {
		return // not actually queued
	}
	if tcb.Prev != nil {
		tcb.Prev.Next = tcb.Next
	} else {
		c.readyHead[p] = tcb.Next
	}
	if tcb.Next != nil {
		tcb.Next.Prev = tcb.Prev
	} else {
		c.readyTail[p] = tcb.Prev
	}
	if c.readyHead[p] == nil {
		c.bitmap &^= 1 << uint(p)
	}
	tcb.Next = nil
	tcb.Prev = nil
}

// Activate moves tcb from any non-ready wait state to READY, appends it
// to its home core's priority queue, and wakes that core if it was
// parked idle. A higher-priority activation on an idle core must win
// the next schedule() there; on a busy core the driving loop only
// observes the new arrival at its next schedule() call, which happens
// as soon as the running thread yields or blocks.
func (s *Scheduler) Activate(tcb *tcbtable.TCB) {
	s.mu.Lock()
	tcb.State = tcbtable.Ready
	s.enqueueReady(tcb)
	c := s.cores[tcb.Core]
	idle := c.current == nil || c.current == c.idle
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Activate(tcb.Tid, tcb.Priority)
	}
	if s.observer != nil {
		s.observer.ObserveActivate(tcb.Priority)
	}
	if idle {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// DeactivateSelf sets cur's state and removes it from the ready queue
// without picking a replacement.
func (s *Scheduler) DeactivateSelf(cur *tcbtable.TCB, newState tcbtable.State) {
	s.mu.Lock()
	cur.State = newState
	s.removeFromReady(cur)
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Deactivate(cur.Tid, newState.String())
	}
}

// Schedule returns the next thread to run on c: the head of the
// highest-priority non-empty queue, or c's idle thread if all queues
// are empty.
func (s *Scheduler) Schedule(c *Core) *tcbtable.TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.dequeueReadyHighest(c)
	if next == nil {
		return c.idle
	}
	return next
}

// DeactivateSelfSchedule deactivates cur to newState and returns the
// next thread to run on its core.
func (s *Scheduler) DeactivateSelfSchedule(cur *tcbtable.TCB, newState tcbtable.State) *tcbtable.TCB {
	s.DeactivateSelf(cur, newState)
	return s.Schedule(s.cores[cur.Core])
}

// ActivateSchedule activates tcb, then returns the next thread to run
// on tcb's core — which may be tcb itself if nothing outranks it.
func (s *Scheduler) ActivateSchedule(tcb *tcbtable.TCB) *tcbtable.TCB {
	s.Activate(tcb)
	return s.Schedule(s.cores[tcb.Core])
}

// Yield appends cur to the tail of its own priority queue and returns
// the next thread to run (possibly cur itself, if it is alone at the
// top priority).
func (s *Scheduler) Yield(cur *tcbtable.TCB) *tcbtable.TCB {
	s.mu.Lock()
	cur.State = tcbtable.Ready
	s.enqueueReady(cur)
	c := s.cores[cur.Core]
	next := s.dequeueReadyHighest(c)
	s.mu.Unlock()
	if next == nil {
		return c.idle
	}
	return next
}

// Preempts reports whether activating a thread of the given priority
// should force an immediate switch ahead of cur. Equal priority never
// preempts — only strictly higher does.
func Preempts(candidatePriority int, cur *tcbtable.TCB) bool {
	return cur == nil || candidatePriority > cur.Priority
}
