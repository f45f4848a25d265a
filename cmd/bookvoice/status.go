package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/bookvoice/internal/detect"
	"github.com/example/bookvoice/internal/fsm"
	"github.com/example/bookvoice/internal/inference"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what is installed and which accelerators are usable",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			o := newOrchestrator(cfg)
			snap := o.Initialize(ctx)
			deps := snap.Dependencies

			fmt.Fprintf(os.Stdout, "state:   %s\n", snap.State.Tag)
			fmt.Fprintf(os.Stdout, "online:  %v\n", snap.IsOnline)
			fmt.Fprintf(os.Stdout, "runtime: %s\n", installedMark(deps.RuntimeInstalled))
			fmt.Fprintf(os.Stdout, "engines:\n")
			fmt.Fprintf(os.Stdout, "  silero: %s\n", engineMark(snap, detect.EngineSilero, deps.SileroInstalled))
			fmt.Fprintf(os.Stdout, "  xtts:   %s\n", engineMark(snap, detect.EngineXTTS, deps.XTTSInstalled))
			fmt.Fprintf(os.Stdout, "  piper:  %s\n", installedMark(deps.PiperInstalled))
			for _, v := range deps.PiperVoices {
				fmt.Fprintf(os.Stdout, "    voice %s\n", v)
			}
			if deps.SAPIAvailable {
				fmt.Fprintf(os.Stdout, "  sapi:   installed (%d voices)\n", len(deps.SAPIVoices))
			}

			gpu := snap.Accelerators.GPU
			if gpu.Available {
				fmt.Fprintf(os.Stdout, "gpu:     %s (%.1f GB)", gpu.Name, gpu.MemoryGB)
				if gpu.ToolkitMissing {
					fmt.Fprint(os.Stdout, ", compute toolkit missing")
				}
				fmt.Fprintln(os.Stdout)
			} else {
				fmt.Fprintln(os.Stdout, "gpu:     none")
			}

			printServerStatus(ctx, cfg.Server.ListenAddr)
			return nil
		},
	}
	return cmd
}

// printServerStatus queries a running inference server, if any. A dead
// or unreachable server is not an error; the line just says so.
func printServerStatus(ctx context.Context, addr string) {
	probe, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	client := inference.NewClient(addr)
	st, err := client.Status(probe)
	if err != nil {
		fmt.Fprintln(os.Stdout, "server:  not running")
		return
	}

	fmt.Fprintf(os.Stdout, "server:  running on %s (%s, %.1f GB resident)\n", addr, st.Device, st.MemoryGB)
	for engine, langs := range st.Engines {
		for lang, loaded := range langs {
			if loaded {
				fmt.Fprintf(os.Stdout, "  loaded %s/%s\n", engine, lang)
			}
		}
	}
}

func installedMark(installed bool) string {
	if installed {
		return "installed"
	}
	return "not installed"
}

// engineMark renders an engine's install state, including the device it
// was built against when the accelerator marker is known.
func engineMark(snap fsm.Context, engine string, installed bool) string {
	if !installed {
		return "not installed"
	}
	if cfg, ok := snap.CurrentAccelerators[engine]; ok && cfg.Device != "" {
		return fmt.Sprintf("installed (%s)", cfg.Device)
	}
	return "installed"
}
