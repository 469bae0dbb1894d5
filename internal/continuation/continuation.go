// Package continuation implements the trampoline discipline that
// stands in for a stack-discarding context switch: a blocking or
// yielding thread never calls back into its own future self, it hands
// control to its core's driving loop and parks, and only that loop
// ever resumes it.
package continuation

import (
	"github.com/go-nanokernel/nanokernel/internal/sched"
	"github.com/go-nanokernel/nanokernel/internal/tcbtable"
)

// Block transitions cur to newState, removes it from the ready queue,
// hands off to cur's core driving loop, and parks cur's goroutine. When
// this call returns, cur has been resumed by the driving loop at the
// point right after this park, not at whatever syscall entry point
// originally blocked it.
func Block(s *sched.Scheduler, cur *tcbtable.TCB, newState tcbtable.State) {
	s.DeactivateSelf(cur, newState)
	s.Core(cur.Core).Handoff()
	cur.Park()
}

// Yield appends cur to the tail of its own ready queue, hands off, and
// parks. Returns once cur is rescheduled — which may be immediately,
// if cur was already alone at the highest priority on its core.
func Yield(s *sched.Scheduler, cur *tcbtable.TCB) {
	// Activate only enqueues cur; the driving loop's Schedule picks the
	// next thread after the handoff.
	s.Activate(cur)
	s.Core(cur.Core).Handoff()
	cur.Park()
}

// SwitchTo activates target (which may live on a different core than
// cur), then blocks cur exactly as Block does. Used by the IPC call
// path, which hands control directly to a specific peer while still
// suspending the caller through the normal trampoline.
func SwitchTo(s *sched.Scheduler, cur *tcbtable.TCB, newState tcbtable.State, target *tcbtable.TCB) {
	s.Activate(target)
	Block(s, cur, newState)
}

// ActivateAndMaybePreempt activates target and, if that makes target
// outrank cur on cur's own core, immediately yields cur so the switch
// happens before cur's syscall returns to user space instead of on
// whatever tick the scheduler next gets around to it. This is the
// priority preemption policy's enforcement point for the two
// activation sites that hand control back to a caller rather than
// already blocking it (IPC send's non-call path, futex_signal):
// target is enqueued either way, but cur only gives up its core when
// the activation actually changed who should be running.
//
// Cross-core activations never yield here: Activate's own idle-core
// wake handles those, and there is no meaning to "cur yields" in favor
// of a thread that cannot run on cur's core anyway.
func ActivateAndMaybePreempt(s *sched.Scheduler, cur *tcbtable.TCB, target *tcbtable.TCB) {
	s.Activate(target)
	if target.Core == cur.Core && sched.Preempts(target.Priority, cur) {
		Yield(s, cur)
	}
}

// Exit removes cur from scheduling permanently (the caller is
// responsible for setting cur.State = tcbtable.Zombie beforehand) and
// hands off without parking again: the calling goroutine returns after
// this call and is never resumed, since the thread it represented will
// not run again.
func Exit(s *sched.Scheduler, cur *tcbtable.TCB) {
	s.Core(cur.Core).Handoff()
}

// Spawn starts tid's goroutine body, first parking it until the
// scheduler resumes it for the first time. body is the thread's entire
// kernel-visible lifetime; when it returns, the thread has already
// transitioned to Zombie (the caller arranges that before returning)
// and Spawn hands off on the thread's behalf so the driving loop moves
// on without waiting on a park that will never be released.
func Spawn(s *sched.Scheduler, tcb *tcbtable.TCB, body func()) {
	go func() {
		tcb.Park()
		body()
		Exit(s, tcb)
	}()
}
