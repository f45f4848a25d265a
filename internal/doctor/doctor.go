// Package doctor provides environment preflight checks for bookvoice.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/example/bookvoice/internal/accel"
	"github.com/example/bookvoice/internal/detect"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// Dependencies is the installed-capability snapshot to report on.
	Dependencies detect.DependencyStatus
	// RuntimeVersion returns the managed interpreter's version string
	// (e.g. "3.11.9"). Nil skips the version check.
	RuntimeVersion VersionFunc
	// Accelerators is the device-probe result.
	Accelerators accel.Available
	// EngineConfigs maps engine name to its recorded accelerator choice.
	EngineConfigs map[string]accel.Config
	// VoiceFiles is the list of voice model paths to verify on disk.
	VoiceFiles []string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark. Missing optional
// engines are informational, not failures; a missing runtime is a failure
// because nothing works without it.
func Run(cfg Config, w io.Writer) Result {
	var res Result
	deps := cfg.Dependencies

	// ---- managed runtime --------------------------------------------------
	if !deps.RuntimeInstalled {
		res.fail("managed runtime: not installed")
		fmt.Fprintf(w, "%s managed runtime: not installed (run `bookvoice setup`)\n", FailMark)
	} else if cfg.RuntimeVersion == nil {
		fmt.Fprintf(w, "%s managed runtime: installed\n", PassMark)
	} else {
		ver, err := cfg.RuntimeVersion()
		switch {
		case err != nil:
			res.fail(fmt.Sprintf("managed runtime: %v", err))
			fmt.Fprintf(w, "%s managed runtime: present but not runnable (%v)\n", FailMark, err)
		default:
			if verErr := checkRuntimeVersion(ver); verErr != nil {
				res.fail(fmt.Sprintf("managed runtime: %v", verErr))
				fmt.Fprintf(w, "%s managed runtime %s: %v\n", FailMark, ver, verErr)
			} else {
				fmt.Fprintf(w, "%s managed runtime: %s\n", PassMark, ver)
			}
		}
	}

	// ---- engines ----------------------------------------------------------
	engineLine(w, detect.EngineSilero, deps.SileroInstalled, cfg.EngineConfigs)
	engineLine(w, detect.EngineXTTS, deps.XTTSInstalled, cfg.EngineConfigs)
	engineLine(w, detect.EnginePiper, deps.PiperInstalled, nil)
	if deps.PiperInstalled && len(deps.PiperVoices) == 0 {
		fmt.Fprintf(w, "%s piper voices: none installed (run `bookvoice install voice`)\n", PassMark)
	}

	// ---- accelerators -----------------------------------------------------
	if cfg.Accelerators.GPU.Available {
		if cfg.Accelerators.GPU.ToolkitMissing {
			fmt.Fprintf(w, "%s gpu: %s found but the compute toolkit is missing\n", FailMark, cfg.Accelerators.GPU.Name)
			res.fail("gpu: compute toolkit missing")
		} else {
			fmt.Fprintf(w, "%s gpu: %s (%.1f GB)\n", PassMark, cfg.Accelerators.GPU.Name, cfg.Accelerators.GPU.MemoryGB)
		}
	} else {
		fmt.Fprintf(w, "%s gpu: none detected, CPU only\n", PassMark)
	}

	// ---- voice files ------------------------------------------------------
	for _, path := range cfg.VoiceFiles {
		if _, err := os.Stat(path); err != nil {
			res.fail(fmt.Sprintf("voice file %q: %v", path, err))
			fmt.Fprintf(w, "%s voice file %s: not found\n", FailMark, path)
		} else {
			fmt.Fprintf(w, "%s voice file: %s\n", PassMark, path)
		}
	}

	return res
}

func engineLine(w io.Writer, engine string, installed bool, configs map[string]accel.Config) {
	if !installed {
		fmt.Fprintf(w, "%s engine %s: not installed\n", PassMark, engine)
		return
	}
	if cfg, ok := configs[engine]; ok && cfg.Device != "" {
		fmt.Fprintf(w, "%s engine %s: installed (%s)\n", PassMark, engine, cfg.Device)
		return
	}
	fmt.Fprintf(w, "%s engine %s: installed\n", PassMark, engine)
}

// checkRuntimeVersion returns an error if ver is outside [3.10, 3.15).
// ver is expected to be a string like "3.11.9".
func checkRuntimeVersion(ver string) error {
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 3 {
		return fmt.Errorf("requires Python 3, got %d", major)
	}
	if minor < 10 {
		return fmt.Errorf("requires Python >=3.10, got 3.%d", minor)
	}
	if minor >= 15 {
		return fmt.Errorf("requires Python <3.15, got 3.%d", minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
