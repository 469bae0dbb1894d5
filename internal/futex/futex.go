// Package futex implements the hashed wait/signal engine: tag mixing
// into a fixed-size bucket table, priority-sorted singly-linked wait
// chains per bucket, and a pending-signal buffer scanned from the end
// on wait so the most recently buffered matching signal is consumed
// first.
package futex

import (
	"sync"

	"github.com/go-nanokernel/nanokernel/internal/config"
	"github.com/go-nanokernel/nanokernel/internal/continuation"
	"github.com/go-nanokernel/nanokernel/internal/interfaces"
	"github.com/go-nanokernel/nanokernel/internal/kerr"
	"github.com/go-nanokernel/nanokernel/internal/sched"
	"github.com/go-nanokernel/nanokernel/internal/tcbtable"
)

type bucket struct {
	head *tcbtable.TCB
	tail *tcbtable.TCB
}

// Engine is the futex subsystem: a fixed-size hash table of
// priority-sorted wait chains plus the pending-signal buffer for
// signals delivered to a tag with no current waiter.
type Engine struct {
	mu sync.Mutex

	hash     []bucket
	slotsLg2 uint

	pending    []uint64
	maxPending int

	sched    *sched.Scheduler
	logger   interfaces.Logger
	observer interfaces.Observer
}

// New builds a futex engine sized per cfg: futex_hash_slots buckets,
// a pending-signal buffer capped at max_tcbs entries.
func New(cfg config.Config, s *sched.Scheduler, logger interfaces.Logger, observer interfaces.Observer) *Engine {
	return &Engine{
		hash:       make([]bucket, cfg.FutexHashSlots),
		slotsLg2:   cfg.FutexHashSlotsLg2,
		pending:    make([]uint64, 0, cfg.MaxTCBs),
		maxPending: cfg.MaxTCBs,
		sched:      s,
		logger:     logger,
		observer:   observer,
	}
}

// hashTag mixes tag into a bucket index, matching sys_futex.c's
// hash_tag exactly (three shifted additions masked to the table size).
func (e *Engine) hashTag(tag uint64) int {
	slots := len(e.hash)
	h1 := (tag >> 2) + (tag >> e.slotsLg2) + (tag >> (2 * e.slotsLg2))
	return int(h1) & (slots - 1)
}

// enqueue inserts thread into b, sorted by descending priority; ties
// keep arrival order by inserting before the first strictly-lower
// node, giving FIFO fairness among waiters of equal priority.
func enqueue(b *bucket, thread *tcbtable.TCB) {
	var prev *tcbtable.TCB
	curr := b.head
	for curr != nil {
		if thread.Priority > curr.Priority {
			break
		}
		prev = curr
		curr = curr.FutexNext
	}
	thread.FutexNext = curr
	if prev == nil {
		b.head = thread
	} else {
		prev.FutexNext = thread
	}
	if curr == nil {
		b.tail = thread
	}
}

func dequeue(b *bucket, prev, thread *tcbtable.TCB) {
	if b.head == thread {
		b.head = thread.FutexNext
	} else {
		prev.FutexNext = thread.FutexNext
	}
	if b.tail == thread {
		b.tail = prev
	}
	thread.FutexNext = nil
}

// signal searches bucket b for a waiter on tag, dequeues and returns
// it, or nil if none matched.
func signal(b *bucket, tag uint64) *tcbtable.TCB {
	var prev *tcbtable.TCB
	curr := b.head
	for curr != nil {
		if curr.FutexTag == tag {
			dequeue(b, prev, curr)
			return curr
		}
		prev = curr
		curr = curr.FutexNext
	}
	return nil
}

// Wait blocks cur until tag is signaled, or returns immediately if a
// pending signal for tag is already buffered. Tag 0 is reserved.
func (e *Engine) Wait(cur *tcbtable.TCB, tag uint64) error {
	if tag == 0 {
		return kerr.NewForThread("futex_wait", cur.Tid, kerr.Invalid, "tag 0 is reserved")
	}

	e.mu.Lock()
	for i := len(e.pending) - 1; i >= 0; i-- {
		if e.pending[i] == tag {
			e.pending[i] = e.pending[len(e.pending)-1]
			e.pending = e.pending[:len(e.pending)-1]
			e.mu.Unlock()
			return nil
		}
	}

	// No pending signal matched: deactivate cur and enqueue it onto the
	// hash chain before handing off, exactly the order sys_futex_wait
	// uses (deactivate_self_schedule, then enqueue_futex, both under
	// the lock, before switch_to releases control) — the enqueue must
	// land before the thread can possibly be resumed, so it cannot go
	// through continuation.Block, which hands off and parks before its
	// caller could enqueue anything.
	h := e.hashTag(tag)
	cur.FutexTag = tag
	e.sched.DeactivateSelf(cur, tcbtable.WaitFutex)
	enqueue(&e.hash[h], cur)
	e.mu.Unlock()

	e.sched.Core(cur.Core).Handoff()
	cur.Park()

	return nil
}

// Signal wakes the highest-priority waiter on tag, or records a
// pending signal if no thread is currently waiting. cur is the
// signaling thread itself: if waking a waiter makes it outrank cur on
// cur's own core, cur yields before Signal returns, enforcing the same
// priority preemption policy activate() carries everywhere else.
func (e *Engine) Signal(cur *tcbtable.TCB, tag uint64) error {
	if tag == 0 {
		return kerr.New("futex_signal", kerr.Invalid, "tag 0 is reserved")
	}

	e.mu.Lock()
	h := e.hashTag(tag)
	waiter := signal(&e.hash[h], tag)
	if waiter != nil {
		e.mu.Unlock()
		if e.logger != nil {
			e.logger.FutexWake(tag, waiter.Tid, false)
		}
		if e.observer != nil {
			e.observer.ObserveFutexWake(true)
		}
		continuation.ActivateAndMaybePreempt(e.sched, cur, waiter)
		return nil
	}

	if len(e.pending) >= e.maxPending {
		e.mu.Unlock()
		return kerr.New("futex_signal", kerr.NoMemory, "pending-signal buffer exhausted")
	}
	e.pending = append(e.pending, tag)
	e.mu.Unlock()
	if e.logger != nil {
		e.logger.FutexWake(tag, -1, true)
	}
	if e.observer != nil {
		e.observer.ObserveFutexWake(false)
	}
	return nil
}
