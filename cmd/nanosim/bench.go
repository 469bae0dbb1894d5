package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	nanokernel "github.com/go-nanokernel/nanokernel"
)

// newBenchCmd times a create/switch/exit/join round trip as a
// standalone CLI report, the command-line counterpart to the
// testing.B benchmarks in kernel_bench_test.go.
func newBenchCmd(flags *kernelFlags) *cobra.Command {
	var iterations int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time thread create/switch/exit/join round trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(flags, iterations)
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 1000, "round trips to time")
	return cmd
}

func runBench(flags *kernelFlags, iterations int) error {
	k, err := nanokernel.Boot(flags.config(), nanokernel.WithLogger(flags.logger()))
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer k.Shutdown()

	start := time.Now()
	for i := 0; i < iterations; i++ {
		done := make(chan struct{})
		th, err := k.Spawn(1, func(t *nanokernel.Thread) {
			t.Yield()
			close(done)
		})
		if err != nil {
			return fmt.Errorf("iteration %d: spawn: %w", i, err)
		}
		<-done
		// The thread has usually already exited by now, leaving a Zombie,
		// so this mostly exercises Join's path that reaps a Zombie at
		// once without blocking.
		joiner := make(chan error, 1)
		if _, err := k.Spawn(1, func(t *nanokernel.Thread) { joiner <- t.Join(th.Tid()) }); err != nil {
			return fmt.Errorf("iteration %d: spawn joiner: %w", i, err)
		}
		if err := <-joiner; err != nil {
			return fmt.Errorf("iteration %d: join: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("%d create/yield/exit/join round trips in %s (%.2f ns/op)\n",
		iterations, elapsed, float64(elapsed.Nanoseconds())/float64(iterations))
	return nil
}
