// Package provision implements the composite installation operations:
// runtime bootstrap, engine installs, the compiler toolchain, and voice
// downloads. Each operation is a strictly-sequenced pipeline reporting
// staged progress through one callback and cleaning up partial artifacts
// on every failure path.
package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/example/bookvoice/internal/accel"
	"github.com/example/bookvoice/internal/apperr"
	"github.com/example/bookvoice/internal/archive"
	"github.com/example/bookvoice/internal/detect"
	"github.com/example/bookvoice/internal/download"
	"github.com/example/bookvoice/internal/progress"
)

// Stage names reported through progress events. Consumers treat them as
// opaque labels; a stage change may legitimately reset the percentage.
const (
	StagePrereqs  = "prereqs"
	StageRuntime  = "runtime"
	StageEnv      = "environment"
	StageDownload = "download"
	StageInstall  = "install"
	StagePin      = "pin"
	StageModel    = "model"
	StageVerify   = "verify"
	StageComplete = "complete"
)

// verifyMarker is printed by the sentinel import; its presence in the
// interpreter's output is the only accepted proof of a working install.
const verifyMarker = "BOOKVOICE_OK"

// CommandRunner executes a subprocess, streaming raw stdout/stderr chunks
// to the callbacks as they arrive. Both callbacks may be nil.
type CommandRunner func(ctx context.Context, name string, args []string, onStdout, onStderr func([]byte)) error

// Provisioner runs installation pipelines against a resources directory.
// The OS touchpoints are injectable so pipelines can be tested without
// network access or real interpreters.
type Provisioner struct {
	Resources string
	Detector  *detect.Detector
	Logger    *slog.Logger

	InstallerTimeout time.Duration
	ToolchainTimeout time.Duration
	VerifyRetries    int
	VerifyRetryDelay time.Duration

	Fetch        func(ctx context.Context, url, dest string, fn progress.Func) error
	Extract      func(src, destDir string) error
	Run          CommandRunner
	RunInstaller func(ctx context.Context, path string, args []string, timeout time.Duration) (archive.InstallOutcome, error)
	Toolchain    *archive.ToolchainLocator
	GPU          func(ctx context.Context) accel.Available
	Sleep        func(time.Duration)

	// GOOS gates the Windows-only steps (toolchain precheck, silent
	// installers). Overridable so those paths are testable anywhere.
	GOOS string
}

// New returns a Provisioner wired to real OS dependencies.
func New(resources string, dl *download.Downloader, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	prober := accel.NewProber()
	return &Provisioner{
		Resources:        resources,
		Detector:         detect.New(resources),
		Logger:           logger,
		InstallerTimeout: 15 * time.Minute,
		ToolchainTimeout: 60 * time.Minute,
		VerifyRetries:    3,
		VerifyRetryDelay: 2 * time.Second,
		Fetch:            dl.Fetch,
		Extract:          archive.Extract,
		Run:              runStreaming,
		RunInstaller:     archive.RunSilentInstaller,
		Toolchain:        archive.DefaultLocator(),
		GPU:              prober.Probe,
		Sleep:            time.Sleep,
		GOOS:             runtime.GOOS,
	}
}

// downloadsDir holds in-flight archives and installers. Everything under
// it is disposable.
func (p *Provisioner) downloadsDir() string {
	return filepath.Join(p.Resources, "downloads")
}

// cleaner accumulates artifact paths to delete when a pipeline fails.
// Success disarms it.
type cleaner struct {
	paths []string
}

func (c *cleaner) add(path string) { c.paths = append(c.paths, path) }

func (c *cleaner) run() {
	for _, path := range c.paths {
		os.RemoveAll(path)
	}
	c.paths = nil
}

// fail removes all registered artifacts and returns the error unchanged.
func (c *cleaner) fail(err error) error {
	c.run()
	return err
}

// EnsureRuntime installs the embedded self-contained Python runtime if it
// is not already present. Progress spans the full 0-100 of fn; callers
// embedding this as a sub-step scale fn accordingly.
func (p *Provisioner) EnsureRuntime(ctx context.Context, fn progress.Func) error {
	if fn == nil {
		fn = progress.Discard
	}
	if _, err := os.Stat(p.Detector.RuntimePython()); err == nil {
		fn(progress.Event{Stage: StageRuntime, Percent: 100, Detail: "Runtime already installed"})
		return nil
	}

	var clean cleaner
	archivePath := filepath.Join(p.downloadsDir(), filepath.Base(runtimeURL()))
	clean.add(archivePath)

	p.Logger.Info("bootstrapping embedded runtime", "url", runtimeURL())
	if err := p.Fetch(ctx, runtimeURL(), archivePath, progress.Scale(stageAs(fn, StageRuntime), 0, 70)); err != nil {
		return clean.fail(apperr.Wrap(err, "runtime", StageDownload))
	}

	stagingDir := filepath.Join(p.downloadsDir(), "runtime.extract")
	clean.add(stagingDir)
	fn(progress.Event{Stage: StageRuntime, Percent: 75, Detail: "Extracting runtime"})
	if err := p.Extract(archivePath, stagingDir); err != nil {
		return clean.fail(apperr.Wrap(err, "runtime", StageInstall))
	}

	// python-build-standalone archives carry a single "python" top-level
	// directory; tolerate archives without it.
	src := stagingDir
	if _, err := os.Stat(filepath.Join(stagingDir, "python")); err == nil {
		src = filepath.Join(stagingDir, "python")
	}
	runtimeDir := filepath.Join(p.Resources, "runtime")
	clean.add(runtimeDir)
	os.RemoveAll(runtimeDir)
	if err := os.Rename(src, runtimeDir); err != nil {
		return clean.fail(apperr.Wrap(err, "runtime", StageInstall))
	}

	fn(progress.Event{Stage: StageRuntime, Percent: 90, Detail: "Verifying runtime"})
	if err := p.verifyImport(ctx, p.Detector.RuntimePython(), "sys"); err != nil {
		return clean.fail(err)
	}

	os.Remove(archivePath)
	os.RemoveAll(stagingDir)
	fn(progress.Event{Stage: StageRuntime, Percent: 100, Detail: "Runtime installed"})
	return nil
}

// verifyImport runs a sentinel import in the given interpreter and checks
// for the success marker, retrying because filesystem visibility of
// just-installed packages can lag the installer's exit.
func (p *Provisioner) verifyImport(ctx context.Context, interpreter string, module string) error {
	script := fmt.Sprintf("import %s; print(%q)", module, verifyMarker)
	attempts := p.VerifyRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			p.Sleep(p.VerifyRetryDelay)
		}
		var out strings.Builder
		collect := func(chunk []byte) { out.Write(chunk) }
		err := p.Run(ctx, interpreter, []string{"-c", script}, collect, collect)
		if err == nil && strings.Contains(out.String(), verifyMarker) {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("sentinel marker missing from interpreter output")
		}
		lastErr = err
		p.Logger.Warn("verification attempt failed", "interpreter", interpreter, "module", module, "attempt", i+1, "error", err)
	}
	return apperr.Wrap(fmt.Errorf("verify import %s: %w", module, lastErr), "", StageVerify)
}

// stageAs rewrites every event's stage label. Sub-steps like downloads
// report their own stages; pipelines relabel them into the pipeline's
// vocabulary.
func stageAs(fn progress.Func, stage string) progress.Func {
	return func(ev progress.Event) {
		ev.Stage = stage
		fn(ev)
	}
}

// runStreaming is the production CommandRunner: it wires the process's
// pipes to the callbacks in 4 KiB chunks.
func runStreaming(ctx context.Context, name string, args []string, onStdout, onStderr func([]byte)) error {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan struct{}, 2)
	pump := func(r io.Reader, emit func([]byte)) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 && emit != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				emit(chunk)
			}
			if err != nil {
				return
			}
		}
	}
	go pump(stdout, onStdout)
	go pump(stderr, onStderr)
	<-done
	<-done
	return cmd.Wait()
}

// runtimeURL returns the self-contained interpreter archive for the
// current platform.
func runtimeURL() string {
	const base = "https://github.com/indygreg/python-build-standalone/releases/download/20240415/"
	switch runtime.GOOS {
	case "windows":
		return base + "cpython-3.11.9+20240415-x86_64-pc-windows-msvc-shared-install_only.tar.gz"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return base + "cpython-3.11.9+20240415-aarch64-apple-darwin-install_only.tar.gz"
		}
		return base + "cpython-3.11.9+20240415-x86_64-apple-darwin-install_only.tar.gz"
	default:
		return base + "cpython-3.11.9+20240415-x86_64-unknown-linux-gnu-install_only.tar.gz"
	}
}
