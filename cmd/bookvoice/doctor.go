package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/bookvoice/internal/accel"
	"github.com/example/bookvoice/internal/detect"
	"github.com/example/bookvoice/internal/doctor"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local environment and installation checks",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			det := detect.New(cfg.Paths.ResourcesDir)
			deps := det.DetectAll(ctx)
			avail := accel.NewProber().Probe(ctx)

			configs := map[string]accel.Config{}
			for _, engine := range []string{detect.EngineSilero, detect.EngineXTTS} {
				if c, ok, err := accel.LoadConfig(cfg.Paths.ResourcesDir, engine); err == nil && ok {
					configs[engine] = c
				}
			}

			dcfg := doctor.Config{
				Dependencies:  deps,
				Accelerators:  avail,
				EngineConfigs: configs,
				VoiceFiles:    collectVoiceFiles(det, deps),
			}
			if deps.RuntimeInstalled {
				py := det.RuntimePython()
				dcfg.RuntimeVersion = func() (string, error) {
					return probeInterpreterVersion(py)
				}
			}

			result := doctor.Run(dcfg, os.Stdout)
			if err := checkWritable(cfg.Paths.ResourcesDir); err != nil {
				result.AddFailure(fmt.Sprintf("resources directory is not writable: %v", err))
			}

			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(os.Stdout, "doctor checks passed")

			return nil
		},
	}

	return cmd
}

// checkWritable verifies the process can create files in dir. Every
// install writes there, so an unwritable directory fails doctor even
// when everything else checks out.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// probeInterpreterVersion runs `<python> --version` and returns the bare
// version string.
func probeInterpreterVersion(py string) (string, error) {
	out, err := exec.CommandContext(context.Background(), py, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version failed: %w", py, err)
	}
	// Output is e.g. "Python 3.11.9\n"
	raw := strings.TrimSpace(string(out))
	raw = strings.TrimPrefix(raw, "Python ")
	if raw == "" {
		return "", errors.New("interpreter reported no version")
	}
	return raw, nil
}

// collectVoiceFiles returns absolute paths of the installed voice
// models, so the doctor stat check is CWD-independent.
func collectVoiceFiles(det *detect.Detector, deps detect.DependencyStatus) []string {
	paths := make([]string, 0, len(deps.PiperVoices))
	for _, v := range deps.PiperVoices {
		p := filepath.Join(det.PiperVoicesDir(), v+".onnx")
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		paths = append(paths, p)
	}
	return paths
}
