// Command nanosim boots a nanokernel instance in-process and drives one
// of a handful of end-to-end scenarios against it, from the command
// line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-nanokernel/nanokernel/internal/config"
	"github.com/go-nanokernel/nanokernel/internal/logging"
)

// kernelFlags holds the build-time sizing every subcommand boots its
// kernel with, bound to persistent flags on the root command.
type kernelFlags struct {
	maxTCBs       int
	numInterrupts int
	numPriorities int
	numCores      int
	verbose       bool
}

func (f *kernelFlags) config() config.Config {
	return config.New(f.maxTCBs, f.numInterrupts, f.numPriorities, f.numCores)
}

func (f *kernelFlags) logger() *logging.Logger {
	cfg := logging.DefaultConfig()
	if f.verbose {
		cfg.Level = logging.LevelDebug
	}
	return logging.NewLogger(cfg)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &kernelFlags{}

	root := &cobra.Command{
		Use:   "nanosim",
		Short: "Drive a nanokernel simulator through its end-to-end scenarios",
	}
	root.PersistentFlags().IntVar(&flags.maxTCBs, "max-tcbs", 256, "total TCB table slots")
	root.PersistentFlags().IntVar(&flags.numInterrupts, "num-interrupts", 64, "platform IRQ line count")
	root.PersistentFlags().IntVar(&flags.numPriorities, "num-priorities", 32, "distinct priority levels")
	root.PersistentFlags().IntVar(&flags.numCores, "cores", 1, "execution units (cores) to schedule across")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug-level logging")

	root.AddCommand(
		newRunCmd(flags),
		newBenchCmd(flags),
		newFutexDemoCmd(flags),
		newIRQDemoCmd(flags),
	)
	return root
}
