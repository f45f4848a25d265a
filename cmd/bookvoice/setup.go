package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/bookvoice/internal/accel"
	"github.com/example/bookvoice/internal/fsm"
	"github.com/example/bookvoice/internal/orchestrator"
)

func newSetupCmd() *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Run first-time setup: managed runtime plus the default engine",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			o := newOrchestrator(cfg)
			snap := o.Initialize(ctx)
			if snap.State.Tag != fsm.StateSetupRequired {
				fmt.Fprintln(os.Stdout, "already set up; nothing to do")
				return nil
			}

			done := watchProgress(o)
			defer done()

			if err := o.RunSetup(ctx, device); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "setup complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&device, "device", accel.DeviceCPU, "Install device (cpu|cuda)")
	return cmd
}

// watchProgress prints snapshot progress lines until the returned stop
// function is called.
func watchProgress(o *orchestrator.Orchestrator) func() {
	ch, cancel := o.Subscribe()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for snap := range ch {
			s := snap.State
			if s.Stage == "" && s.Detail == "" {
				continue
			}
			fmt.Fprintf(os.Stderr, "[%3d%%] %-12s %s\n", s.Progress, s.Stage, s.Detail)
		}
	}()
	return func() {
		cancel()
		<-finished
	}
}
