package sched

import "runtime"

// StartCore launches core id's driving loop as a CPU-pinned goroutine:
// lock to an OS thread, optionally pin it to a CPU, then loop forever
// picking and resuming the next thread.
func (s *Scheduler) StartCore(id int, cpu int) {
	c := s.cores[id]
	c.cpu = cpu
	go c.driveLoop()
}

// Stop signals every core's driving loop to exit. Used for clean test
// teardown; the simulator has no equivalent in the original kernel,
// which never returns from its scheduling loop.
func (s *Scheduler) Stop() {
	for _, c := range s.cores {
		close(c.stop)
	}
}

// Handoff signals this core's driving loop that the thread it most
// recently resumed is done running and a new schedule() decision is
// due. Called by kernel-op code (internal/continuation) immediately
// before the running thread parks itself, never by the driving loop.
func (c *Core) Handoff() {
	select {
	case c.handoff <- struct{}{}:
	default:
	}
}

func (c *Core) driveLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := pinToCPU(c.cpu); err != nil && c.sched.logger != nil {
		c.sched.logger.Printf("core %d: failed to set CPU affinity to %d: %v", c.id, c.cpu, err)
	}

	prevTid := -1
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		next := c.sched.Schedule(c)
		if next == c.idle {
			c.current = c.idle
			select {
			case <-c.wake:
				continue
			case <-c.stop:
				return
			}
		}

		c.current = next
		if c.sched.observer != nil {
			c.sched.observer.ObserveSwitch(prevTid, next.Tid)
		}
		prevTid = next.Tid

		next.Resume()

		select {
		case <-c.handoff:
		case <-c.stop:
			return
		}
	}
}
