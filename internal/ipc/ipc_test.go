package ipc

import (
	"testing"
	"time"

	"github.com/go-nanokernel/nanokernel/internal/config"
	"github.com/go-nanokernel/nanokernel/internal/continuation"
	"github.com/go-nanokernel/nanokernel/internal/sched"
	"github.com/go-nanokernel/nanokernel/internal/tcbtable"
)

func newHarness(t *testing.T, numCores int) (*sched.Scheduler, *tcbtable.Table, *Engine) {
	t.Helper()
	cfg := config.New(16, 8, 4, numCores)
	table := tcbtable.New(cfg.MaxTCBs)
	s, err := sched.New(cfg, table, nil, nil)
	if err != nil {
		t.Fatalf("sched.New() error: %v", err)
	}
	for i := 0; i < numCores; i++ {
		s.StartCore(i, -1)
	}
	t.Cleanup(s.Stop)
	return s, table, New(table, s, nil, nil, nil)
}

func spawnThread(s *sched.Scheduler, table *tcbtable.Table, core, priority int, body func()) *tcbtable.TCB {
	tcb, _ := table.Allocate()
	tcb.Core = core
	tcb.Priority = priority
	continuation.Spawn(s, tcb, body)
	return tcb
}

func TestSendRecvPingPong100Rounds(t *testing.T) {
	s, table, eng := newHarness(t, 1)

	const rounds = 100
	childDone := make(chan struct{})

	parent, _ := table.Allocate()
	parent.Core, parent.Priority = 0, 2
	var child *tcbtable.TCB
	child = spawnThread(s, table, 0, 1, func() {
		for i := 0; i < rounds; i++ {
			senderTid, err := eng.Recv(child, parent.Tid, 0)
			if err != nil {
				t.Errorf("child Recv round %d: %v", i, err)
				return
			}
			if senderTid != parent.Tid {
				t.Errorf("child Recv round %d: sender = %d, want %d", i, senderTid, parent.Tid)
			}
			child.UTCB.MR[1] = uint64(i + 1)
			if err := eng.Send(child, parent.Tid, 0); err != nil {
				t.Errorf("child Send round %d: %v", i, err)
				return
			}
		}
		close(childDone)
	})

	// parent's body references child's tid, so it is started directly
	// here (after child exists) rather than through spawnThread.
	parentDone := make(chan struct{})
	go func() {
		parent.Park()
		for i := 0; i < rounds; i++ {
			parent.UTCB.MR[1] = uint64(i)
			if err := eng.Send(parent, child.Tid, 0); err != nil {
				t.Errorf("parent Send round %d: %v", i, err)
				return
			}
			senderTid, err := eng.Recv(parent, child.Tid, 0)
			if err != nil {
				t.Errorf("parent Recv round %d: %v", i, err)
				return
			}
			if senderTid != child.Tid {
				t.Errorf("parent Recv round %d: sender = %d, want %d", i, senderTid, child.Tid)
			}
			if parent.UTCB.MR[1] != uint64(i+1) {
				t.Errorf("parent round %d: MR1 = %d, want %d", i, parent.UTCB.MR[1], i+1)
			}
		}
		close(parentDone)
		continuation.Exit(s, parent)
	}()

	s.Activate(parent)
	s.Activate(child)

	select {
	case <-childDone:
	case <-time.After(5 * time.Second):
		t.Fatal("child never completed 100 rounds")
	}
	select {
	case <-parentDone:
	case <-time.After(5 * time.Second):
		t.Fatal("parent never completed 100 rounds")
	}
}

func TestSendNonBlockingWouldBlock(t *testing.T) {
	_, table, eng := newHarness(t, 1)

	sender, _ := table.Allocate()
	sender.Core, sender.Priority = 0, 1
	dest, _ := table.Allocate()
	dest.Core, dest.Priority = 0, 1
	dest.State = tcbtable.Ready // not WAIT_IPC_RECV

	err := eng.Send(sender, dest.Tid, OpNonBlocking)
	if err == nil {
		t.Fatal("Send() to a non-waiting destination succeeded, want WOULD_BLOCK")
	}
}

func TestSendInvalidDestination(t *testing.T) {
	_, table, eng := newHarness(t, 1)
	sender, _ := table.Allocate()
	sender.Core = 0

	if err := eng.Send(sender, 999, 0); err == nil {
		t.Fatal("Send() to out-of-range tid succeeded, want INVALID")
	}
}

func TestReplyRequiresDestWaitingForUs(t *testing.T) {
	s, table, eng := newHarness(t, 2)

	a, _ := table.Allocate()
	a.Core, a.Priority = 0, 1
	b, _ := table.Allocate()
	b.Core, b.Priority = 1, 1

	recvDone := make(chan struct{})
	go func() {
		a.Park()
		_, err := eng.Recv(a, AnyPeer, 0)
		if err != nil {
			t.Errorf("a.Recv: %v", err)
		}
		close(recvDone)
	}()
	s.Activate(a)

	// Give a's Recv a moment to register as WAIT_IPC_RECV before b replies.
	time.Sleep(20 * time.Millisecond)

	go func() {
		b.Park()
		if err := eng.Reply(b, a.Tid, 0); err != nil {
			t.Errorf("b.Reply to waiting a: %v", err)
		}
		continuation.Exit(s, b)
	}()
	s.Activate(b)

	select {
	case <-recvDone:
	case <-time.After(time.Second):
		t.Fatal("a never received b's reply")
	}
}

func TestReplyToNonWaitingPeerFails(t *testing.T) {
	_, table, eng := newHarness(t, 1)
	a, _ := table.Allocate()
	a.Core = 0
	a.State = tcbtable.Zombie // definitely not WAIT_IPC_RECV for anyone

	b, _ := table.Allocate()
	b.Core = 0

	if err := eng.Reply(b, a.Tid, 0); err == nil {
		t.Fatal("Reply() to a non-waiting peer succeeded, want WOULD_BLOCK")
	}
}
