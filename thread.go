package nanokernel

import (
	"github.com/go-nanokernel/nanokernel/internal/continuation"
	"github.com/go-nanokernel/nanokernel/internal/ipc"
	"github.com/go-nanokernel/nanokernel/internal/kerr"
	"github.com/go-nanokernel/nanokernel/internal/tcbtable"
)

// Re-exported so callers never need to import internal/ipc directly
// to build an op word or name "receive from any sender".
const (
	AnyPeer       = ipc.AnyPeer
	OpNonBlocking = ipc.OpNonBlocking
	OpCall        = ipc.OpCall
)

// Thread is a live kernel thread: a TCB plus the kernel it belongs to.
// Every system call is a method here, issued by the thread itself from
// inside its own body closure — the Go analogue of a trap entry
// reading its own TCB off the current-thread pointer.
type Thread struct {
	k   *Kernel
	tcb *tcbtable.TCB
}

// Tid implements thread_myself.
func (t *Thread) Tid() int { return t.tcb.Tid }

// Priority returns this thread's current scheduling priority.
func (t *Thread) Priority() int { return t.tcb.Priority }

// MR reads message register i from this thread's own UTCB.
func (t *Thread) MR(i int) uint64 { return t.tcb.UTCB.MR[i] }

// SetMR writes message register i in this thread's own UTCB, staging
// it for the next Send/Call.
func (t *Thread) SetMR(i int, v uint64) { t.tcb.UTCB.MR[i] = v }

// ErrorCode reads this thread's own UTCB error_code word: the last
// syscall's kerr.Code as a string, or "" if the last syscall
// succeeded. Every Thread syscall method stamps it via stampError.
func (t *Thread) ErrorCode() string { return t.tcb.UTCB.ErrorCode }

// stampError mirrors err's kerr.Code into this thread's own UTCB
// error_code word (spec.md §6/§7's second, user-readable error
// channel alongside the Go error return) and passes err through
// unchanged so every syscall method can wrap its return statement
// with it. A nil err clears the word, matching UTCB's "" == success
// contract.
func (t *Thread) stampError(err error) error {
	if err == nil {
		t.tcb.UTCB.ErrorCode = ""
		return nil
	}
	if code, ok := kerr.CodeOf(err); ok {
		t.tcb.UTCB.ErrorCode = string(code)
	}
	return err
}

// threadExitDone is the panic payload Thread.Exit uses to unwind a
// thread's body to runBody's recover without ever returning into the
// caller's own stack frames — the Go encoding of a switch away from a
// thread that will never run again, so nothing above Exit can
// mistakenly keep executing as if it had returned normally.
type threadExitDone struct{}

// Spawn creates a new thread at priority and makes it READY,
// implementing thread_create for callers outside any kernel thread —
// test harnesses and cmd/nanosim's top-level driver, standing in for
// whatever created the first thread. body receives the new thread's
// own handle in place of a real pc/sp/arg0 triple; it is that thread's
// entire kernel-visible lifetime.
func (k *Kernel) Spawn(priority int, body func(*Thread)) (*Thread, error) {
	if priority < 0 || priority > k.cfg.MaxPriority() {
		return nil, kerr.New("thread_create", kerr.Invalid, "priority out of range")
	}

	k.tcbLock.Lock()
	tcb, err := k.table.Allocate()
	if err != nil {
		k.tcbLock.Unlock()
		return nil, err
	}
	tcb.Priority = priority
	tcb.Core = k.nextCore()
	k.tcbLock.Unlock()

	th := &Thread{k: k, tcb: tcb}
	continuation.Spawn(k.sched, tcb, func() {
		k.runBody(th, body)
	})
	tcb.State = tcbtable.Ready
	k.sched.Activate(tcb)
	return th, nil
}

// runBody executes a thread's body to completion — whether it returns
// normally or calls Exit — and guarantees exitCleanup runs exactly
// once either way.
func (k *Kernel) runBody(t *Thread, body func(*Thread)) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(threadExitDone); ok {
				return
			}
			// A genuine invariant violation never reaches user space as
			// an error return — only a panic (development build) or a
			// permanent hang (release build). Re-panicking is this
			// simulator's development-build behavior.
			panic(r)
		}
	}()
	body(t)
	k.exitCleanup(t.tcb)
}

// exitCleanup runs the pre-delete thread-lifecycle hooks: deregister
// any owned IRQ, cancel every peer blocked on us, and wake a waiting
// joiner. Idempotent — the first
// caller to observe a non-Zombie state wins; Exit and a normal body
// return both funnel through here, and runBody guarantees only one of
// them is ever reached per thread.
func (k *Kernel) exitCleanup(tcb *tcbtable.TCB) {
	k.tcbLock.Lock()
	if tcb.State == tcbtable.Zombie {
		k.tcbLock.Unlock()
		return
	}
	tcb.State = tcbtable.Zombie
	// Joiner stays set until the slot is reaped, so a second joiner
	// arriving after the exit still gets BUSY.
	joiner := tcb.Joiner
	k.tcbLock.Unlock()

	k.intr.PreThreadExitCleanup(tcb)
	k.ipcEng.CancelPeer(tcb)

	if joiner != nil {
		k.sched.Activate(joiner)
	}
}

// CreateThread is thread_create issued by the current thread: spawn a
// child at priority and return its tid.
func (t *Thread) CreateThread(priority int, body func(*Thread)) (int, error) {
	child, err := t.k.Spawn(priority, body)
	if err != nil {
		return -1, t.stampError(err)
	}
	return child.Tid(), t.stampError(nil)
}

// Exit is thread_exit. NORETURN: the thread's body never regains
// control after calling this.
func (t *Thread) Exit() {
	t.k.exitCleanup(t.tcb)
	panic(threadExitDone{})
}

// Yield is the yield syscall.
func (t *Thread) Yield() {
	continuation.Yield(t.k.sched, t.tcb)
}

// Join is thread_join: block until tid exits, then reap its TCB so a
// later thread_create can reuse the slot. BUSY if tid already has a
// joiner; INVALID if tid is out of range or was never a live thread.
func (t *Thread) Join(tid int) error {
	target, err := t.k.table.Lookup(tid)
	if err != nil {
		return t.stampError(kerr.NewForThread("thread_join", t.tcb.Tid, kerr.Invalid, "tid out of range"))
	}

	t.k.tcbLock.Lock()
	if !t.k.table.IsAlive(target) {
		t.k.tcbLock.Unlock()
		return t.stampError(kerr.NewForThread("thread_join", t.tcb.Tid, kerr.Invalid, "tid not alive"))
	}
	if target.Joiner != nil {
		t.k.tcbLock.Unlock()
		return t.stampError(kerr.NewForThread("thread_join", t.tcb.Tid, kerr.Busy, "tid already has a joiner"))
	}
	if target.State == tcbtable.Zombie {
		t.k.tcbLock.Unlock()
		return t.stampError(t.k.table.Free(target))
	}
	target.Joiner = t.tcb
	t.k.tcbLock.Unlock()

	continuation.Block(t.k.sched, t.tcb, tcbtable.WaitJoin)
	return t.stampError(t.k.table.Free(target))
}

// Send is ipc_send.
func (t *Thread) Send(dest int, op uint32) error {
	return t.stampError(t.k.ipcEng.Send(t.tcb, dest, op))
}

// Recv is ipc_recv: returns the sender's tid once a message arrives.
func (t *Thread) Recv(src int, op uint32) (int, error) {
	tid, err := t.k.ipcEng.Recv(t.tcb, src, op)
	return tid, t.stampError(err)
}

// Call is ipc_call: send then block for the matching reply.
func (t *Thread) Call(dest int, op uint32) (int, error) {
	tid, err := t.k.ipcEng.Call(t.tcb, dest, op)
	return tid, t.stampError(err)
}

// Reply answers a pending ipc_recv from dest.
func (t *Thread) Reply(dest int, op uint32) error {
	return t.stampError(t.k.ipcEng.Reply(t.tcb, dest, op))
}

// FutexWait is futex_wait.
func (t *Thread) FutexWait(tag uint64) error {
	return t.stampError(t.k.futexEn.Wait(t.tcb, tag))
}

// FutexSignal is futex_signal.
func (t *Thread) FutexSignal(tag uint64) error {
	return t.stampError(t.k.futexEn.Signal(t.tcb, tag))
}

// InterruptRegister is interrupt_register.
func (t *Thread) InterruptRegister(irq int) error {
	return t.stampError(t.k.intr.Register(t.tcb, irq))
}

// InterruptDeregister is interrupt_deregister.
func (t *Thread) InterruptDeregister(irq int) error {
	return t.stampError(t.k.intr.Deregister(t.tcb, irq))
}

// InterruptWait is interrupt_wait: blocks until the thread's
// registered IRQ fires, returning its number.
func (t *Thread) InterruptWait() (int, error) {
	irq, err := t.k.intr.Wait(t.tcb)
	return irq, t.stampError(err)
}

// InterruptAck clears the pending-IRQ word in this thread's UTCB.
func (t *Thread) InterruptAck() {
	t.k.intr.Ack(t.tcb)
}

// GetCycles is the get_cycles syscall.
func (t *Thread) GetCycles() uint64 {
	return t.k.clock.Cycles()
}
