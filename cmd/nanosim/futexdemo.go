package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	nanokernel "github.com/go-nanokernel/nanokernel"
)

// futexLCG is a linear congruential generator producing a reproducible
// pseudo-random tag sequence, using the same Knuth MMIX constants as
// testing.go's lcg, reimplemented here since that one is
// an unexported test helper in a different package.
type futexLCG struct{ state uint64 }

func newFutexLCG(seed uint64) *futexLCG {
	if seed == 0 {
		seed = 1
	}
	return &futexLCG{state: seed}
}

func (g *futexLCG) next() uint64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	v := g.state >> 32
	if v == 0 {
		v = 1
	}
	return v
}

// newFutexDemoCmd reproduces spec.md §8 scenario 3: 31 threads each
// waiting on a distinct pseudo-random tag (31 tags over the hash slots
// are likely to share some slots), woken by the parent signalling every tag in reverse
// order. Every waiter must wake exactly once.
func newFutexDemoCmd(flags *kernelFlags) *cobra.Command {
	var waiters int
	cmd := &cobra.Command{
		Use:   "futex-demo",
		Short: "Run the many-waiters futex hash-collision scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFutexDemo(flags, waiters)
		},
	}
	cmd.Flags().IntVar(&waiters, "waiters", 31, "number of distinct-tag waiters")
	return cmd
}

func runFutexDemo(flags *kernelFlags, waiters int) error {
	k, err := nanokernel.Boot(flags.config(), nanokernel.WithLogger(flags.logger()))
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer k.Shutdown()

	gen := newFutexLCG(1)
	tags := make([]uint64, waiters)
	for i := range tags {
		tags[i] = gen.next()
	}

	var wg sync.WaitGroup
	wg.Add(waiters)
	woken := make(chan uint64, waiters)
	for _, tag := range tags {
		tag := tag
		if _, err := k.Spawn(1, func(t *nanokernel.Thread) {
			defer wg.Done()
			if err := t.FutexWait(tag); err != nil {
				return
			}
			woken <- tag
		}); err != nil {
			return fmt.Errorf("spawn waiter for tag %#x: %w", tag, err)
		}
	}

	// Give every waiter a chance to block before the parent starts
	// signalling in reverse order, exactly as the scenario specifies.
	time.Sleep(20 * time.Millisecond)

	signaller, err := k.Spawn(2, func(t *nanokernel.Thread) {
		for i := len(tags) - 1; i >= 0; i-- {
			if err := t.FutexSignal(tags[i]); err != nil {
				panic(err) // invariant violation, not a user error
			}
		}
	})
	if err != nil {
		return fmt.Errorf("spawn signaller: %w", err)
	}
	_ = signaller

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("futex-demo timed out with waiters still blocked")
	}
	close(woken)

	count := 0
	for range woken {
		count++
	}
	fmt.Printf("futex-demo: %d/%d waiters woken exactly once\n", count, waiters)
	return nil
}
