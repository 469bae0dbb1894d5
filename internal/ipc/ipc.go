// Package ipc implements the synchronous send/recv/call/reply engine:
// a receiver drains its own send queue directly, and a call's sender
// stays parked in WAIT_IPC_RECV (never re-enqueued elsewhere) so the
// eventual reply finds it directly.
package ipc

import (
	"sync"

	"github.com/go-nanokernel/nanokernel/internal/continuation"
	"github.com/go-nanokernel/nanokernel/internal/interfaces"
	"github.com/go-nanokernel/nanokernel/internal/kerr"
	"github.com/go-nanokernel/nanokernel/internal/sched"
	"github.com/go-nanokernel/nanokernel/internal/tcbtable"
)

// AnyPeer names "receive from any sender" for Recv's src parameter.
const AnyPeer = -1

// Op bits for the op parameter shared by Send/Recv/Call/Reply.
const (
	OpNonBlocking = 1 << 0
	OpCall        = 1 << 1
)

// Engine is the IPC subsystem: the per-receiver send queues live on
// the TCBs themselves (Next/Prev reused — a thread is never
// simultaneously on a ready queue and a send queue), so Engine itself
// holds only the lock and the shared table/scheduler handles.
type Engine struct {
	mu    sync.Mutex
	table *tcbtable.Table
	sched *sched.Scheduler

	logger   interfaces.Logger
	clock    interfaces.Clock
	observer interfaces.Observer
}

// New builds an IPC engine over the given TCB table and scheduler.
func New(table *tcbtable.Table, s *sched.Scheduler, logger interfaces.Logger, clock interfaces.Clock, observer interfaces.Observer) *Engine {
	return &Engine{table: table, sched: s, logger: logger, clock: clock, observer: observer}
}

// isReadyToReceive reports whether dest can accept a message from src
// right now.
func isReadyToReceive(src, dest *tcbtable.TCB) bool {
	if dest.State != tcbtable.WaitIPCRecv {
		return false
	}
	return dest.IPCWaitingFor == src || dest.IPCWaitingFor == nil
}

// copyMessage copies MR1..MR6 from src's UTCB to dest's UTCB and marks
// dest as needing a full context restore on resume (it was asleep, not
// mid-fastpath), then stamps dest's MR0 with src's tid — the only way
// the receiver learns who sent.
func copyMessage(src, dest *tcbtable.TCB) {
	dest.FullContextSaved = true
	for i := 1; i < len(src.UTCB.MR); i++ {
		dest.UTCB.MR[i] = src.UTCB.MR[i]
	}
	dest.UTCB.MR[0] = uint64(src.Tid)
}

func enqueueSend(dest, src *tcbtable.TCB) {
	if dest.IPCSendHead == nil {
		dest.IPCSendHead = src
		src.Next = src
		src.Prev = src
		return
	}
	first := dest.IPCSendHead
	last := first.Prev
	src.Next = first
	src.Prev = last
	first.Prev = src
	last.Next = src
}

func dequeueSend(dest, src *tcbtable.TCB) {
	if src.Next == src {
		dest.IPCSendHead = nil
	} else {
		src.Next.Prev = src.Prev
		src.Prev.Next = src.Next
		if dest.IPCSendHead == src {
			dest.IPCSendHead = src.Next
		}
	}
	src.Next = nil
	src.Prev = nil
}

func (e *Engine) markBlocked(tcb *tcbtable.TCB) {
	if e.clock != nil {
		tcb.BlockedAtCycle = e.clock.Cycles()
	}
}

func (e *Engine) reportDelivery(waiter *tcbtable.TCB) {
	if e.observer == nil || e.clock == nil {
		return
	}
	now := e.clock.Cycles()
	waited := now - waiter.BlockedAtCycle
	e.observer.ObserveIPCDelivery(waited)
}

// Send delivers cur's message (already staged in cur.UTCB.MR) to dest.
// If op carries OpCall, cur blocks afterward in WAIT_IPC_RECV awaiting
// dest's reply instead of returning immediately — callers wanting the
// reply payload should use Call, which also retrieves it.
func (e *Engine) Send(cur *tcbtable.TCB, destTid int, op uint32) error {
	isCall := op&OpCall != 0
	isNonBlocking := op&OpNonBlocking != 0

	dest, err := e.table.Lookup(destTid)
	if err != nil {
		return kerr.NewForThread("ipc_send", cur.Tid, kerr.Invalid, "destination out of range")
	}

	e.mu.Lock()
	if !e.table.IsAlive(dest) {
		e.mu.Unlock()
		return kerr.NewForThread("ipc_send", cur.Tid, kerr.Invalid, "destination not alive")
	}
	// A zombie is still "alive" in the table.IsAlive sense (its slot
	// isn't reused until joined), but it will never call Recv again.
	// CancelPeer only wakes the senders queued at the moment a thread
	// exits; a send arriving afterward would otherwise enqueue onto a
	// send queue nothing will ever drain again. Reject it the same way
	// a late arrival finds a cancelled one: immediately, not by blocking.
	if dest.State == tcbtable.Zombie {
		e.mu.Unlock()
		return kerr.NewForThread("ipc_send", cur.Tid, kerr.Cancelled, "destination already exited")
	}

	if !isReadyToReceive(cur, dest) {
		if isNonBlocking {
			e.mu.Unlock()
			return kerr.NewForThread("ipc_send", cur.Tid, kerr.WouldBlock, "destination not ready")
		}
		cur.IPCWaitingFor = dest
		newState := tcbtable.WaitIPCSend
		if isCall {
			newState = tcbtable.WaitIPCCall
		}
		e.markBlocked(cur)
		// Leave the ready queue before joining dest's send queue: both
		// use cur.Next/Prev, so the order cannot be reversed.
		e.sched.DeactivateSelf(cur, newState)
		enqueueSend(dest, cur)
		e.mu.Unlock()
		e.sched.Core(cur.Core).Handoff()
		cur.Park()
		return e.postBlockError(cur)
	}

	copyMessage(cur, dest)
	dest.IPCWaitingFor = nil
	e.reportDelivery(dest)
	if e.logger != nil {
		e.logger.IPCDeliver(cur.Tid, dest.Tid)
	}

	if !isCall {
		e.mu.Unlock()
		continuation.ActivateAndMaybePreempt(e.sched, cur, dest)
		return nil
	}

	cur.IPCWaitingFor = dest
	e.markBlocked(cur)
	e.mu.Unlock()
	continuation.SwitchTo(e.sched, cur, tcbtable.WaitIPCRecv, dest)
	return e.postBlockError(cur)
}

// postBlockError inspects cur after it has been resumed from a blocked
// IPC wait: a peer's exit cancels the operation by setting IPCCancelled
// before activating cur, which thread-exit cleanup does when it finds
// cur enqueued on a dying peer's state.
func (e *Engine) postBlockError(cur *tcbtable.TCB) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur.IPCCancelled {
		cur.IPCCancelled = false
		return kerr.NewForThread("ipc_send", cur.Tid, kerr.Cancelled, "peer exited while blocked")
	}
	return nil
}

// Recv waits for a message from srcTid (or AnyPeer) and returns the
// sender's tid once one arrives.
func (e *Engine) Recv(cur *tcbtable.TCB, srcTid int, op uint32) (int, error) {
	e.mu.Lock()
	src := cur.IPCSendHead
	if src != nil && srcTid != AnyPeer {
		for src.Tid != srcTid {
			src = src.Next
			if src == cur.IPCSendHead {
				src = nil
				break
			}
		}
	}
	if src == nil {
		cur.IPCWaitingFor = nil
		if srcTid != AnyPeer {
			want, err := e.table.Lookup(srcTid)
			if err != nil {
				e.mu.Unlock()
				return -1, kerr.NewForThread("ipc_recv", cur.Tid, kerr.Invalid, "src out of range")
			}
			if want.State == tcbtable.Zombie {
				e.mu.Unlock()
				return -1, kerr.NewForThread("ipc_recv", cur.Tid, kerr.Cancelled, "src already exited")
			}
			cur.IPCWaitingFor = want
		}
		e.markBlocked(cur)
		e.mu.Unlock()
		continuation.Block(e.sched, cur, tcbtable.WaitIPCRecv)
		return e.postRecvBlock(cur)
	}

	dequeueSend(cur, src)
	copyMessage(src, cur)
	e.reportDelivery(cur)
	if e.logger != nil {
		e.logger.IPCDeliver(src.Tid, cur.Tid)
	}

	if src.State == tcbtable.WaitIPCCall {
		tid := src.Tid
		src.State = tcbtable.WaitIPCRecv
		e.mu.Unlock()
		return tid, nil
	}

	src.IPCWaitingFor = nil
	e.mu.Unlock()
	e.sched.Activate(src)
	return src.Tid, nil
}

func (e *Engine) postRecvBlock(cur *tcbtable.TCB) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur.IPCCancelled {
		cur.IPCCancelled = false
		return -1, kerr.NewForThread("ipc_recv", cur.Tid, kerr.Cancelled, "peer gone while waiting")
	}
	return int(cur.UTCB.MR[0]), nil
}

// Call is Send with the CALL bit forced, blocking until dest replies,
// then returning the replier's tid. The sender never leaves
// WAIT_IPC_RECV with IPCWaitingFor pointed anywhere else in between,
// so no other sender can race the reply.
func (e *Engine) Call(cur *tcbtable.TCB, destTid int, op uint32) (int, error) {
	if err := e.Send(cur, destTid, op|OpCall); err != nil {
		return -1, err
	}
	return int(cur.UTCB.MR[0]), nil
}

// Reply is a non-blocking send: WOULD_BLOCK unless dest is currently
// in WAIT_IPC_RECV waiting for us or for any sender.
func (e *Engine) Reply(cur *tcbtable.TCB, destTid int, op uint32) error {
	return e.Send(cur, destTid, op|OpNonBlocking)
}

// CancelPeer implements the CANCELLED path for thread exit: every
// sender still queued on dead's IPCSendHead, and every thread
// blocked in WAIT_IPC_RECV waiting specifically for dead (which never
// enqueues itself anywhere, so it can only be found by scanning the
// table), is unblocked with IPCCancelled set instead of being left
// parked on a peer that will never answer. dead.State is already Zombie
// by the time this runs (the caller sets it before calling in), under
// the same e.mu any Send/Recv against dead also takes, so a peer
// arriving after this scan observes Zombie directly and is rejected by
// Send/Recv's own checks rather than queueing onto a dead send list.
func (e *Engine) CancelPeer(dead *tcbtable.TCB) {
	e.mu.Lock()
	var woken []*tcbtable.TCB

	for dead.IPCSendHead != nil {
		src := dead.IPCSendHead
		dequeueSend(dead, src)
		src.IPCWaitingFor = nil
		src.IPCCancelled = true
		woken = append(woken, src)
	}

	for i := 0; i < e.table.Len(); i++ {
		tcb, err := e.table.Lookup(i)
		if err != nil || tcb == dead {
			continue
		}
		if tcb.State == tcbtable.WaitIPCRecv && tcb.IPCWaitingFor == dead {
			tcb.IPCWaitingFor = nil
			tcb.IPCCancelled = true
			woken = append(woken, tcb)
		}
	}
	e.mu.Unlock()

	for _, tcb := range woken {
		e.sched.Activate(tcb)
	}
}
