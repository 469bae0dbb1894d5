// Package tcbtable implements the thread control block array: the
// single fixed-layout, statically-sized table every other subsystem
// indexes into. A free-list push/pop discipline fixes the intrusive
// linked-list shape reused for every other list a TCB can be on —
// ready queue, per-peer send queue, or futex chain.
package tcbtable

import (
	"github.com/go-nanokernel/nanokernel/internal/kerr"
	"github.com/go-nanokernel/nanokernel/internal/utcb"
)

// State is a TCB's position in the thread state machine.
type State int

const (
	// Halted is the free-list state: not a live thread.
	Halted State = iota
	Ready
	WaitIPCSend
	WaitIPCRecv
	WaitIPCCall
	WaitFutex
	WaitInt
	WaitJoin
	// Zombie is entered on exit; only a join-reap moves it to Halted.
	Zombie
)

func (s State) String() string {
	switch s {
	case Halted:
		return "HALTED"
	case Ready:
		return "READY"
	case WaitIPCSend:
		return "WAIT_IPC_SEND"
	case WaitIPCRecv:
		return "WAIT_IPC_RECV"
	case WaitIPCCall:
		return "WAIT_IPC_CALL"
	case WaitFutex:
		return "WAIT_FUTEX"
	case WaitInt:
		return "WAIT_INT"
	case WaitJoin:
		return "WAIT_JOIN"
	case Zombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// NoIRQ is the registered_interrupt sentinel meaning "owns no IRQ".
const NoIRQ = -1

// AnyPeer is the ipc_waiting_for sentinel meaning "receive from any sender".
const AnyPeer = -1

// NoTid marks a TCB pointer field with no referent (joiner, ipc_waiting_for
// when not ANY, etc).
const NoTid = -1

// TCB is one thread control block. A thread is on at most one of the
// free list, a per-core ready queue, or a peer's IPC send queue at a
// time, so a single Next/Prev pair is reused across all three, its
// meaning selected by State. A futex chain uses the separate FutexNext
// link.
type TCB struct {
	Tid int

	// Scheduling state.
	State    State
	Priority int
	Core     int // home core, fixed at creation; no work stealing.

	// Saved context. The continuation package owns the actual saved
	// register values; FullContextSaved records whether the last trap
	// entry took the fast IPC path that elides a full save.
	FullContextSaved bool
	Continuation     func()

	// Free-list / ready-queue / send-queue linkage. The free list and
	// send queues are circular; a ready queue is nil-terminated.
	Next *TCB
	Prev *TCB

	// IPC state.
	IPCWaitingFor *TCB // nil means ANY when State == WaitIPCRecv
	IPCSendHead   *TCB // head of senders blocked on this TCB
	Joiner        *TCB

	// IPCCancelled is set by thread-exit cleanup when a peer this TCB
	// was blocked on disappears, so the next time this thread is
	// resumed it reports CANCELLED instead of a phantom success.
	IPCCancelled bool

	// Futex state. FutexNext is used exclusively while queued on a
	// futex chain; the chain is singly-linked and priority-sorted.
	FutexTag  uint64
	FutexNext *TCB

	// Interrupt state.
	RegisteredInterrupt int

	UTCB *utcb.UTCB

	// BlockedAtCycle records the clock reading when this thread last
	// entered a WAIT_* state, so the IPC and futex engines can report
	// wait latency to the metrics observer. Pure harness bookkeeping,
	// never consulted by scheduling decisions.
	BlockedAtCycle uint64

	// resumeCh gates the goroutine standing in for this thread's
	// continuation: parked on it while not running, woken by the
	// owning core's driving loop when scheduled.
	resumeCh chan struct{}
}

func newTCB(tid int) *TCB {
	t := &TCB{
		Tid:                 tid,
		State:               Halted,
		RegisteredInterrupt: NoIRQ,
		UTCB:                utcb.New(),
		resumeCh:            make(chan struct{}),
	}
	t.Next = t
	t.Prev = t
	return t
}

// Resume wakes the goroutine parked on this TCB's continuation gate.
// Must be called by a core's driving loop immediately before handing
// control to the thread, never by the thread itself.
func (t *TCB) Resume() {
	t.resumeCh <- struct{}{}
}

// Park blocks the calling goroutine until Resume is called. A thread's
// kernel-op code calls this after mutating shared state and signaling
// its core's handoff channel, standing in for switch_to's jump to a
// saved continuation.
func (t *TCB) Park() {
	<-t.resumeCh
}

// Table is the fixed-size TCB array plus its free list, guarded by a
// lock the caller holds (the root package's Kernel.tcbLock wraps these
// calls).
type Table struct {
	tcbs     []*TCB
	freeHead *TCB
	numFree  int
}

// New allocates a table of exactly n TCBs, all HALTED and chained onto
// the free list in index order.
func New(n int) *Table {
	t := &Table{tcbs: make([]*TCB, n)}
	for i := 0; i < n; i++ {
		t.tcbs[i] = newTCB(i)
	}
	for i := n - 1; i >= 0; i-- {
		t.pushFree(t.tcbs[i])
	}
	return t
}

func (t *Table) pushFree(tcb *TCB) {
	tcb.State = Halted
	if t.freeHead == nil {
		tcb.Next = tcb
		tcb.Prev = tcb
		t.freeHead = tcb
	} else {
		last := t.freeHead.Prev
		tcb.Next = t.freeHead
		tcb.Prev = last
		t.freeHead.Prev = tcb
		last.Next = tcb
		t.freeHead = tcb
	}
	t.numFree++
}

// Allocate pops a TCB from the head of the free list, resets its
// transient state, marks it READY, and returns it. Returns a NoMemory error if the
// free list is empty.
func (t *Table) Allocate() (*TCB, error) {
	if t.freeHead == nil {
		return nil, kerr.New("thread_create", kerr.NoMemory, "tcb table exhausted")
	}
	tcb := t.freeHead
	if tcb.Next == tcb {
		t.freeHead = nil
	} else {
		next := tcb.Next
		prev := tcb.Prev
		next.Prev = prev
		prev.Next = next
		t.freeHead = next
	}
	tcb.Next = nil
	tcb.Prev = nil
	t.numFree--

	tcb.State = Ready
	tcb.Priority = 0
	tcb.Core = 0
	tcb.FullContextSaved = false
	tcb.Continuation = nil
	tcb.IPCWaitingFor = nil
	tcb.IPCCancelled = false
	tcb.IPCSendHead = nil
	tcb.Joiner = nil
	tcb.FutexTag = 0
	tcb.FutexNext = nil
	tcb.RegisteredInterrupt = NoIRQ
	tcb.UTCB.Reset()
	return tcb, nil
}

// Free pushes tcb back onto the head of the free list. Precondition:
// tcb.State == Zombie (reaped by a join).
func (t *Table) Free(tcb *TCB) error {
	if tcb.State != Zombie {
		return kerr.NewForThread("thread_free", tcb.Tid, kerr.Invalid, "tcb not a zombie")
	}
	t.pushFree(tcb)
	return nil
}

// Lookup bounds-checks tid and returns its TCB. The only lookup on the
// fast path, so it never allocates.
func (t *Table) Lookup(tid int) (*TCB, error) {
	if tid < 0 || tid >= len(t.tcbs) {
		return nil, kerr.New("lookup", kerr.Invalid, "tid out of range")
	}
	return t.tcbs[tid], nil
}

// IsAlive reports whether tcb is anything other than HALTED (i.e. has
// been allocated and not yet freed).
func (t *Table) IsAlive(tcb *TCB) bool {
	return tcb.State != Halted
}

// Len returns the table's fixed capacity, max_tcbs.
func (t *Table) Len() int {
	return len(t.tcbs)
}
