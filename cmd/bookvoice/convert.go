package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/bookvoice/internal/config"
	"github.com/example/bookvoice/internal/detect"
	"github.com/example/bookvoice/internal/fsm"
	"github.com/example/bookvoice/internal/orchestrator"
)

func newConvertCmd() *cobra.Command {
	var (
		text     string
		out      string
		engine   string
		language string
		speaker  string
		rate     string
	)

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert text to a WAV audiobook file",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			eng, err := config.NormalizeEngine(engine)
			if err != nil {
				return err
			}
			input, err := readConvertText(text, os.Stdin)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			o := newOrchestrator(cfg)
			snap := o.Initialize(ctx)
			if snap.State.Tag == fsm.StateSetupRequired {
				return fmt.Errorf("nothing is installed yet; run `bookvoice setup` first")
			}
			if !engineInstalled(snap.Dependencies, eng) {
				return fmt.Errorf("engine %s is not installed; run `bookvoice install engine %s`", eng, eng)
			}

			client, err := o.StartServer(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := o.StopServer(context.Background()); err != nil {
					fmt.Fprintf(os.Stderr, "stop inference server: %v\n", err)
				}
			}()

			done := watchProgress(o)
			defer done()

			// Ctrl-C aborts the conversion gracefully before the process
			// context unwinds; the partial output is removed.
			go func() {
				<-ctx.Done()
				o.AbortConversion()
			}()

			if err := o.Convert(ctx, client, orchestrator.ConvertRequest{
				Engine:     eng,
				Language:   language,
				Speaker:    speaker,
				Rate:       rate,
				Text:       input,
				OutputPath: out,
			}); err != nil {
				return err
			}

			if _, err := os.Stat(out); err == nil {
				fmt.Fprintf(os.Stdout, "wrote %s\n", out)
			} else {
				fmt.Fprintln(os.Stdout, "conversion aborted")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to convert (if empty, read from stdin)")
	cmd.Flags().StringVar(&out, "out", "out.wav", "Output WAV path")
	cmd.Flags().StringVar(&engine, "engine", detect.EngineSilero, "Speech engine (silero|xtts|piper)")
	cmd.Flags().StringVar(&language, "language", "ru", "Language code for engines with per-language models")
	cmd.Flags().StringVar(&speaker, "speaker", "", "Speaker or voice identifier")
	cmd.Flags().StringVar(&rate, "rate", "", "Speaking rate adjustment, e.g. +50%")

	return cmd
}

func engineInstalled(deps detect.DependencyStatus, engine string) bool {
	switch engine {
	case detect.EngineSilero:
		return deps.SileroInstalled
	case detect.EngineXTTS:
		return deps.XTTSInstalled
	case detect.EnginePiper:
		return deps.PiperInstalled
	case detect.EngineSAPI:
		return deps.SAPIAvailable
	}
	return false
}

func readConvertText(text string, stdin io.Reader) (string, error) {
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	input := strings.TrimSpace(string(b))
	if input == "" {
		return "", fmt.Errorf("either provide --text or pipe text on stdin")
	}
	return input, nil
}
