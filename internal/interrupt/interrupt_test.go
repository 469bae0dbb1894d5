package interrupt

import (
	"testing"
	"time"

	"github.com/go-nanokernel/nanokernel/internal/config"
	"github.com/go-nanokernel/nanokernel/internal/continuation"
	"github.com/go-nanokernel/nanokernel/internal/sched"
	"github.com/go-nanokernel/nanokernel/internal/tcbtable"
	"github.com/go-nanokernel/nanokernel/internal/utcb"
)

func newHarness(t *testing.T, numCores int) (*sched.Scheduler, *tcbtable.Table, *Engine) {
	t.Helper()
	cfg := config.New(16, 8, 8, numCores)
	table := tcbtable.New(cfg.MaxTCBs)
	s, err := sched.New(cfg, table, nil, nil)
	if err != nil {
		t.Fatalf("sched.New() error: %v", err)
	}
	for i := 0; i < numCores; i++ {
		s.StartCore(i, -1)
	}
	t.Cleanup(s.Stop)
	eng, err := New(cfg.NumInterrupts, cfg.NumPriorities, cfg.NumExecutionUnits, s, nil, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s, table, eng
}

func TestRegisterRejectsOutOfRangeIRQ(t *testing.T) {
	_, table, eng := newHarness(t, 1)
	tcb, _ := table.Allocate()
	if err := eng.Register(tcb, 99); err == nil {
		t.Fatal("Register() with out-of-range irq succeeded, want INVALID")
	}
}

func TestRegisterRejectsDoubleOwnership(t *testing.T) {
	_, table, eng := newHarness(t, 1)
	a, _ := table.Allocate()
	b, _ := table.Allocate()

	if err := eng.Register(a, 3); err != nil {
		t.Fatalf("first Register() error: %v", err)
	}
	if err := eng.Register(b, 3); err == nil {
		t.Fatal("second Register() on same irq succeeded, want BUSY")
	}

	c, _ := table.Allocate()
	if err := eng.Register(a, 4); err == nil {
		t.Fatal("Register() on a second irq for an already-registered thread succeeded, want BUSY")
	}
	_ = c
}

func TestDeregisterRequiresOwnership(t *testing.T) {
	_, table, eng := newHarness(t, 1)
	a, _ := table.Allocate()
	b, _ := table.Allocate()

	if err := eng.Register(a, 5); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := eng.Deregister(b, 5); err == nil {
		t.Fatal("Deregister() by a non-owner succeeded, want INVALID")
	}
	if err := eng.Deregister(a, 5); err != nil {
		t.Fatalf("Deregister() by the owner: %v", err)
	}
	if a.RegisteredInterrupt != tcbtable.NoIRQ {
		t.Errorf("a.RegisteredInterrupt = %d after deregister, want NoIRQ", a.RegisteredInterrupt)
	}

	// irq 5 is free again.
	if err := eng.Register(b, 5); err != nil {
		t.Fatalf("Register() after deregister: %v", err)
	}
}

func TestWaitRequiresRegistration(t *testing.T) {
	_, table, eng := newHarness(t, 1)
	tcb, _ := table.Allocate()
	tcb.Core = 0
	if _, err := eng.Wait(tcb); err == nil {
		t.Fatal("Wait() on an unregistered thread succeeded, want INVALID")
	}
}

func TestRegisterWaitFireRoundTrip(t *testing.T) {
	s, table, eng := newHarness(t, 1)

	handler, _ := table.Allocate()
	handler.Core, handler.Priority = 0, 1
	if err := eng.Register(handler, 6); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	const rounds = 5
	got := make(chan int, rounds)
	continuation.Spawn(s, handler, func() {
		for i := 0; i < rounds; i++ {
			irq, err := eng.Wait(handler)
			if err != nil {
				t.Errorf("Wait() round %d: %v", i, err)
				return
			}
			got <- irq
		}
	})
	s.Activate(handler)

	for i := 0; i < rounds; i++ {
		// Give the handler time to park in WAIT_INT before firing.
		time.Sleep(20 * time.Millisecond)
		if err := eng.Fire(6); err != nil {
			t.Fatalf("Fire() round %d: %v", i, err)
		}
		select {
		case irq := <-got:
			if irq != 6 {
				t.Errorf("round %d: delivered irq = %d, want 6", i, irq)
			}
		case <-time.After(time.Second):
			t.Fatalf("round %d: Wait() never returned", i)
		}
	}
}

func TestFireWithNoHandlerIsNoop(t *testing.T) {
	_, _, eng := newHarness(t, 1)
	if err := eng.Fire(2); err != nil {
		t.Fatalf("Fire() with no handler registered: %v", err)
	}
}

func TestFireDropsWhenHandlerNotWaiting(t *testing.T) {
	_, table, eng := newHarness(t, 1)
	handler, _ := table.Allocate()
	handler.Core, handler.Priority = 0, 1
	if err := eng.Register(handler, 1); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	// handler has never called Wait, so it is not in WAIT_INT.
	if err := eng.Fire(1); err != nil {
		t.Fatalf("Fire() error: %v", err)
	}
	if handler.UTCB.PendingIRQ != utcb.PendingIRQSentinel {
		t.Error("Fire() delivered to a handler that was never waiting")
	}
}

func TestPreThreadExitCleanupReleasesIRQ(t *testing.T) {
	_, table, eng := newHarness(t, 1)
	handler, _ := table.Allocate()
	if err := eng.Register(handler, 7); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	eng.PreThreadExitCleanup(handler)
	if handler.RegisteredInterrupt != tcbtable.NoIRQ {
		t.Errorf("RegisteredInterrupt = %d after cleanup, want NoIRQ", handler.RegisteredInterrupt)
	}

	other, _ := table.Allocate()
	if err := eng.Register(other, 7); err != nil {
		t.Fatalf("Register() after cleanup should succeed: %v", err)
	}
}

func TestPriorityMaskUpdatesOnSMPRegistration(t *testing.T) {
	_, table, eng := newHarness(t, 2) // NumExecutionUnits=2 -> smp gating active
	handler, _ := table.Allocate()
	handler.Priority = 3

	if err := eng.Register(handler, 2); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	// Masked (bit set) strictly above the handler's own priority...
	if eng.priorityIntMask[4]&bit(2) == 0 {
		t.Error("irq 2 not masked at priority 4 (above handler priority 3)")
	}
	// ...unmasked at and below it.
	if eng.priorityIntMask[3]&bit(2) != 0 {
		t.Error("irq 2 masked at the handler's own priority 3, want unmasked")
	}
	if eng.priorityIntMask[0]&bit(2) != 0 {
		t.Error("irq 2 masked at priority 0, want unmasked")
	}

	if err := eng.Deregister(handler, 2); err != nil {
		t.Fatalf("Deregister() error: %v", err)
	}
	for p := range eng.priorityIntMask {
		if eng.priorityIntMask[p]&bit(2) == 0 {
			t.Errorf("irq 2 not re-masked at priority %d after deregister", p)
		}
	}
}
