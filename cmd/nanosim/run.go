package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	nanokernel "github.com/go-nanokernel/nanokernel"
)

// newRunCmd drives a parent/child pair ping-ponging 100 rounds of
// send/recv, then the parent joining the child and reaping its slot.
func newRunCmd(flags *kernelFlags) *cobra.Command {
	var rounds int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the send/recv ping-pong scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPingPong(flags, rounds)
		},
	}
	cmd.Flags().IntVar(&rounds, "rounds", 100, "number of send/recv rounds")
	return cmd
}

func runPingPong(flags *kernelFlags, rounds int) error {
	k, err := nanokernel.Boot(flags.config(), nanokernel.WithLogger(flags.logger()))
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer k.Shutdown()

	parentDone := make(chan error, 1)

	parent, err := k.Spawn(2, func(parent *nanokernel.Thread) {
		// Learn the child's tid through a kernel receive rather than a Go
		// channel, so the parent gives up its core while it waits.
		tid, err := parent.Recv(nanokernel.AnyPeer, 0)
		if err != nil {
			parentDone <- fmt.Errorf("handshake recv: %w", err)
			return
		}
		for i := 0; i < rounds; i++ {
			parent.SetMR(1, uint64(i))
			if err := parent.Send(tid, 0); err != nil {
				parentDone <- fmt.Errorf("round %d send: %w", i, err)
				return
			}
			if _, err := parent.Recv(tid, 0); err != nil {
				parentDone <- fmt.Errorf("round %d recv: %w", i, err)
				return
			}
		}
		if err := parent.Join(tid); err != nil {
			parentDone <- fmt.Errorf("join: %w", err)
			return
		}
		parentDone <- nil
	})
	if err != nil {
		return fmt.Errorf("spawn parent: %w", err)
	}
	parentTid := parent.Tid()

	if _, err := k.Spawn(1, func(child *nanokernel.Thread) {
		if err := child.Send(parentTid, 0); err != nil {
			return
		}
		for i := 0; i < rounds; i++ {
			if _, err := child.Recv(parentTid, 0); err != nil {
				return
			}
			child.SetMR(1, child.MR(1)+1)
			if err := child.Send(parentTid, 0); err != nil {
				return
			}
		}
	}); err != nil {
		return fmt.Errorf("spawn child: %w", err)
	}

	select {
	case err := <-parentDone:
		if err != nil {
			return err
		}
	case <-time.After(10 * time.Second):
		return fmt.Errorf("ping-pong timed out after %d rounds", rounds)
	}

	fmt.Printf("ping-pong: %d rounds complete, child joined and reaped\n", rounds)
	return nil
}
