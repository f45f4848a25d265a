package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/bookvoice/internal/accel"
	"github.com/example/bookvoice/internal/apperr"
	"github.com/example/bookvoice/internal/archive"
	"github.com/example/bookvoice/internal/config"
)

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install engines, voices, and build tools",
	}
	cmd.AddCommand(newInstallEngineCmd())
	cmd.AddCommand(newInstallVoiceCmd())
	cmd.AddCommand(newInstallToolchainCmd())
	return cmd
}

func newInstallEngineCmd() *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "engine <name>",
		Short: "Install a speech engine (silero|xtts|piper)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			engine, err := config.NormalizeEngine(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			o := newOrchestrator(cfg)
			o.Initialize(ctx)
			done := watchProgress(o)
			defer done()

			if err := o.InstallProvider(ctx, engine, device); err != nil {
				return installAdvice(err)
			}
			fmt.Fprintf(os.Stdout, "engine %s installed\n", engine)
			return nil
		},
	}

	cmd.Flags().StringVar(&device, "device", accel.DeviceCPU, "Install device (cpu|cuda)")
	return cmd
}

func newInstallVoiceCmd() *cobra.Command {
	var engine string

	cmd := &cobra.Command{
		Use:   "voice <name>",
		Short: "Install a voice for an installed engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			eng, err := config.NormalizeEngine(engine)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			o := newOrchestrator(cfg)
			o.Initialize(ctx)
			done := watchProgress(o)
			defer done()

			if err := o.InstallVoice(ctx, eng, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "voice %s installed for %s\n", args[0], eng)
			return nil
		},
	}

	cmd.Flags().StringVar(&engine, "engine", "piper", "Engine the voice belongs to (piper|silero|sapi)")
	return cmd
}

func newInstallToolchainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolchain",
		Short: "Install the compiler build tools some engines need",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			o := newOrchestrator(cfg)
			o.Initialize(ctx)
			done := watchProgress(o)
			defer done()

			outcome, err := o.InstallToolchain(ctx)
			if err != nil {
				return err
			}
			if outcome == archive.InstallRestartRequired {
				fmt.Fprintln(os.Stdout, "build tools installed; a restart is required before they can be used")
				return nil
			}
			fmt.Fprintln(os.Stdout, "build tools installed")
			return nil
		},
	}
	return cmd
}

// installAdvice augments typed install failures with the follow-up
// command that resolves them.
func installAdvice(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		if ae.NeedsBuildTools {
			return fmt.Errorf("%w\nrun `bookvoice install toolchain` first", err)
		}
		if ae.Kind == apperr.KindToolkit && ae.RemediationURL != "" {
			return fmt.Errorf("%w\ninstall the compute toolkit from %s, or retry with --device cpu", err, ae.RemediationURL)
		}
	}
	return err
}
