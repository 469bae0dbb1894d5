// Package integration runs the end-to-end scenarios spec.md §8
// describes against the public nanokernel API, the same separate
// test/integration tree go-ublk uses for its device-lifecycle tests —
// unlike those, nothing here needs root or a real kernel module, since
// the whole simulator is in-process, so these run unconditionally
// rather than behind a build tag.
package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	nanokernel "github.com/go-nanokernel/nanokernel"
)

func bootKernel(t *testing.T, numCores int) *nanokernel.Kernel {
	t.Helper()
	k, _, err := nanokernel.NewTestKernel(64, 16, 8, numCores)
	require.NoError(t, err)
	t.Cleanup(k.Shutdown)
	return k
}

// Scenario 1: send/recv ping-pong, 100 rounds, then join reaps the
// child.
func TestPingPong100Rounds(t *testing.T) {
	const rounds = 100
	k := bootKernel(t, 1)

	parentDone := make(chan error, 1)

	parent, err := k.Spawn(2, func(p *nanokernel.Thread) {
		// Learn the child's tid through a kernel receive rather than a Go
		// channel, so the parent gives up the single core while it waits.
		tid, err := p.Recv(nanokernel.AnyPeer, 0)
		if err != nil {
			parentDone <- err
			return
		}
		for i := 0; i < rounds; i++ {
			p.SetMR(1, uint64(i))
			if err := p.Send(tid, 0); err != nil {
				parentDone <- err
				return
			}
			if _, err := p.Recv(tid, 0); err != nil {
				parentDone <- err
				return
			}
		}
		parentDone <- p.Join(tid)
	})
	require.NoError(t, err)
	parentTid := parent.Tid()

	_, err = k.Spawn(1, func(c *nanokernel.Thread) {
		if err := c.Send(parentTid, 0); err != nil {
			return
		}
		for i := 0; i < rounds; i++ {
			if _, err := c.Recv(parentTid, 0); err != nil {
				return
			}
			c.SetMR(1, c.MR(1)+1)
			if err := c.Send(parentTid, 0); err != nil {
				return
			}
		}
	})
	require.NoError(t, err)

	select {
	case err := <-parentDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ping-pong never completed")
	}
}

// Scenario 2: the futex pending-signal buffer holds un-matched signals
// so a later wait on the same tag returns immediately.
func TestFutexPendingSignalBuffer(t *testing.T) {
	k := bootKernel(t, 1)

	results := make(chan error, 4)
	_, err := k.Spawn(1, func(t *nanokernel.Thread) {
		results <- t.FutexSignal(0xDEADBEEF)
		results <- t.FutexSignal(0xDEADBEEF)
		results <- t.FutexSignal(0xFEEDCAFE)
		results <- t.FutexSignal(0xFEEDCAFE)
	})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("signal never returned")
		}
	}

	waits := make(chan error, 4)
	_, err = k.Spawn(1, func(t *nanokernel.Thread) {
		waits <- t.FutexWait(0xDEADBEEF)
		waits <- t.FutexWait(0xFEEDCAFE)
		waits <- t.FutexWait(0xFEEDCAFE)
		waits <- t.FutexWait(0xDEADBEEF)
	})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		select {
		case err := <-waits:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("a buffered wait blocked instead of returning immediately")
		}
	}
}

// Scenario 3: 31 threads waiting on distinct pseudo-random tags (hash
// collisions expected) each wake exactly once when the parent signals
// every tag in reverse order.
func TestFutexManyWaitersHashCollisions(t *testing.T) {
	const n = 31
	k := bootKernel(t, 2)

	var state uint64 = 1
	nextTag := func() uint64 {
		state = state*6364136223846793005 + 1442695040888963407
		v := state >> 32
		if v == 0 {
			v = 1
		}
		return v
	}
	tags := make([]uint64, n)
	for i := range tags {
		tags[i] = nextTag()
	}

	woken := make(chan uint64, n)
	blocked := make(chan struct{}, n)
	for _, tag := range tags {
		tag := tag
		_, err := k.Spawn(1, func(th *nanokernel.Thread) {
			blocked <- struct{}{}
			if err := th.FutexWait(tag); err == nil {
				woken <- tag
			}
		})
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		<-blocked
	}
	// blocked only confirms each waiter thread started running, not that
	// it has reached FutexWait's internal block yet; give the scheduler
	// a moment to park them all before signalling starts.
	time.Sleep(20 * time.Millisecond)

	signalErrs := make(chan error, n)
	_, err := k.Spawn(2, func(th *nanokernel.Thread) {
		for i := len(tags) - 1; i >= 0; i-- {
			signalErrs <- th.FutexSignal(tags[i])
		}
	})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		select {
		case err := <-signalErrs:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("signal never returned")
		}
	}

	seen := make(map[uint64]bool, n)
	for i := 0; i < n; i++ {
		select {
		case tag := <-woken:
			require.False(t, seen[tag], "tag %#x woke more than once", tag)
			seen[tag] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d/%d waiters woke", i, n)
		}
	}
	require.Len(t, seen, n)
}

// Scenario 4: a higher-priority child signalling a futex a lower-
// priority parent is waiting on preempts immediately; the cycle delta
// between signal and the parent's wait-return is small and bounded.
func TestPriorityPreemptionCycleBound(t *testing.T) {
	k, fc, err := nanokernel.NewTestKernel(16, 4, 8, 1)
	require.NoError(t, err)
	t.Cleanup(k.Shutdown)

	const tag = 0x1234
	parentReady := make(chan struct{})
	waitDone := make(chan struct {
		cycles uint64
		err    error
	}, 1)

	_, err = k.Spawn(1, func(p *nanokernel.Thread) {
		close(parentReady)
		err := p.FutexWait(tag)
		waitDone <- struct {
			cycles uint64
			err    error
		}{p.GetCycles(), err}
	})
	require.NoError(t, err)
	<-parentReady

	signalDone := make(chan struct {
		cycles uint64
		err    error
	}, 1)
	_, err = k.Spawn(2, func(c *nanokernel.Thread) {
		fc.Advance(1)
		cycles := c.GetCycles()
		signalDone <- struct {
			cycles uint64
			err    error
		}{cycles, c.FutexSignal(tag)}
	})
	require.NoError(t, err)

	var waitCycles, signalCycles uint64
	select {
	case r := <-signalDone:
		require.NoError(t, r.err)
		signalCycles = r.cycles
	case <-time.After(time.Second):
		t.Fatal("signaller never finished")
	}
	select {
	case r := <-waitDone:
		require.NoError(t, r.err)
		waitCycles = r.cycles
	case <-time.After(time.Second):
		t.Fatal("parent never woke")
	}

	require.GreaterOrEqual(t, waitCycles, signalCycles)
	require.LessOrEqual(t, waitCycles-signalCycles, uint64(1),
		"wake observed %d cycles after signal, want a tight bound", waitCycles-signalCycles)
}

// Scenario 5: registering for an IRQ, having the platform fire it, and
// interrupt_wait returning the IRQ number exactly once per tick.
func TestIRQRoundTrip(t *testing.T) {
	const irq = 3
	k := bootKernel(t, 1)

	registered := make(chan error, 1)
	delivered := make(chan struct {
		n   int
		err error
	}, 1)

	_, err := k.Spawn(1, func(th *nanokernel.Thread) {
		registered <- th.InterruptRegister(irq)
		n, err := th.InterruptWait()
		th.InterruptAck()
		delivered <- struct {
			n   int
			err error
		}{n, err}
	})
	require.NoError(t, err)

	select {
	case err := <-registered:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("registration never completed")
	}
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, k.FireInterrupt(irq))

	select {
	case r := <-delivered:
		require.NoError(t, r.err)
		require.Equal(t, irq, r.n)
	case <-time.After(time.Second):
		t.Fatal("interrupt_wait never returned")
	}
}

// Scenario 6: a thread that creates a child, joins it after it exits,
// and reuses its reaped slot for a later thread_create.
func TestJoinReapsSlotForReuse(t *testing.T) {
	k := bootKernel(t, 1)

	childExited := make(chan int, 1)
	joined := make(chan error, 1)
	_, err := k.Spawn(2, func(a *nanokernel.Thread) {
		bTid, err := a.CreateThread(1, func(b *nanokernel.Thread) {
			childExited <- b.Tid()
		})
		if err != nil {
			joined <- err
			return
		}
		joined <- a.Join(bTid)
	})
	require.NoError(t, err)

	var bTid int
	select {
	case bTid = <-childExited:
	case <-time.After(time.Second):
		t.Fatal("child never ran")
	}
	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("join never returned")
	}

	reused := make(chan int, 1)
	_, err = k.Spawn(1, func(c *nanokernel.Thread) { reused <- c.Tid() })
	require.NoError(t, err)
	select {
	case tid := <-reused:
		require.Equal(t, bTid, tid)
	case <-time.After(time.Second):
		t.Fatal("reused thread never ran")
	}
}
