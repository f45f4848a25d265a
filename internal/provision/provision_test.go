package provision

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/bookvoice/internal/accel"
	"github.com/example/bookvoice/internal/apperr"
	"github.com/example/bookvoice/internal/archive"
	"github.com/example/bookvoice/internal/detect"
	"github.com/example/bookvoice/internal/progress"
)

// newTestProvisioner wires a Provisioner whose OS touchpoints all
// succeed: fetches write a placeholder file, extraction materializes a
// runtime layout, subprocesses report the sentinel marker.
func newTestProvisioner(t *testing.T) *Provisioner {
	t.Helper()
	resources := t.TempDir()
	p := &Provisioner{
		Resources:        resources,
		Detector:         detect.New(resources),
		Logger:           slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		InstallerTimeout: time.Minute,
		ToolchainTimeout: time.Minute,
		VerifyRetries:    3,
		VerifyRetryDelay: time.Millisecond,
		Sleep:            func(time.Duration) {},
		GOOS:             "linux",
		GPU: func(context.Context) accel.Available {
			return accel.Available{CPU: true}
		},
	}
	p.Fetch = func(_ context.Context, url, dest string, fn progress.Func) error {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if fn != nil {
			fn(progress.Event{Percent: 100})
		}
		return os.WriteFile(dest, []byte("artifact: "+url), 0o644)
	}
	p.Extract = func(_, destDir string) error {
		return writeRuntimeLayout(destDir)
	}
	p.Run = func(_ context.Context, name string, args []string, onStdout, _ func([]byte)) error {
		if len(args) >= 2 && args[0] == "-m" && args[1] == "venv" {
			return writeEnvLayout(args[2])
		}
		if onStdout != nil {
			onStdout([]byte(verifyMarker + "\n"))
		}
		return nil
	}
	p.RunInstaller = func(context.Context, string, []string, time.Duration) (archive.InstallOutcome, error) {
		return archive.InstallOK, nil
	}
	return p
}

// writeRuntimeLayout creates the interpreter file tree an extracted
// runtime archive would produce.
func writeRuntimeLayout(destDir string) error {
	py := filepath.Join(destDir, "python", "bin", "python3")
	if err := os.MkdirAll(filepath.Dir(py), 0o755); err != nil {
		return err
	}
	return os.WriteFile(py, []byte("#!/bin/sh\n"), 0o755)
}

// writeEnvLayout creates the interpreter file a venv run would produce.
func writeEnvLayout(envDir string) error {
	py := filepath.Join(envDir, "bin", "python")
	if err := os.MkdirAll(filepath.Dir(py), 0o755); err != nil {
		return err
	}
	return os.WriteFile(py, []byte("#!/bin/sh\n"), 0o755)
}

// assertNoDownloads fails if anything is left under the downloads dir.
func assertNoDownloads(t *testing.T, p *Provisioner) {
	t.Helper()
	entries, err := os.ReadDir(p.downloadsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		t.Fatalf("read downloads dir: %v", err)
	}
	for _, e := range entries {
		t.Errorf("leftover artifact %q in downloads dir", e.Name())
	}
}

func TestEnsureRuntimeSkipsWhenPresent(t *testing.T) {
	p := newTestProvisioner(t)
	if err := writeEnvLayoutAt(p.Detector.RuntimePython()); err != nil {
		t.Fatal(err)
	}
	fetched := false
	p.Fetch = func(context.Context, string, string, progress.Func) error {
		fetched = true
		return nil
	}

	var last progress.Event
	if err := p.EnsureRuntime(context.Background(), func(ev progress.Event) { last = ev }); err != nil {
		t.Fatalf("EnsureRuntime: %v", err)
	}
	if fetched {
		t.Error("runtime was re-downloaded despite being present")
	}
	if last.Percent != 100 {
		t.Errorf("final percent = %d; want 100", last.Percent)
	}
}

func writeEnvLayoutAt(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755)
}

func TestEnsureRuntimeInstalls(t *testing.T) {
	p := newTestProvisioner(t)

	if err := p.EnsureRuntime(context.Background(), nil); err != nil {
		t.Fatalf("EnsureRuntime: %v", err)
	}
	if _, err := os.Stat(p.Detector.RuntimePython()); err != nil {
		t.Fatalf("runtime interpreter missing after install: %v", err)
	}
	assertNoDownloads(t, p)
}

func TestEnsureRuntimeCleansUpOnExtractFailure(t *testing.T) {
	p := newTestProvisioner(t)
	p.Extract = func(string, string) error {
		return errors.New("truncated archive")
	}

	err := p.EnsureRuntime(context.Background(), nil)
	if err == nil {
		t.Fatal("EnsureRuntime succeeded with a failing extractor")
	}
	assertNoDownloads(t, p)
	if _, statErr := os.Stat(p.Detector.RuntimePython()); statErr == nil {
		t.Error("runtime marked installed after failed extraction")
	}
}

func TestInstallSileroEndToEnd(t *testing.T) {
	p := newTestProvisioner(t)

	var events []progress.Event
	err := p.InstallEngine(context.Background(), detect.EngineSilero, "", func(ev progress.Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("InstallEngine: %v", err)
	}

	status := p.Detector.Detect()
	if !status.SileroInstalled {
		t.Error("detector does not report the engine installed")
	}
	cfg, ok, err := accel.LoadConfig(p.Resources, detect.EngineSilero)
	if err != nil || !ok {
		t.Fatalf("accelerator marker missing: ok=%v err=%v", ok, err)
	}
	if cfg.Device != accel.DeviceCPU {
		t.Errorf("marker device = %q; want %q", cfg.Device, accel.DeviceCPU)
	}
	if len(events) == 0 || events[len(events)-1].Percent != 100 {
		t.Fatalf("final progress = %+v; want 100", events[len(events)-1])
	}
	assertNoDownloads(t, p)
}

func TestInstallProgressNeverRegressesWithinStage(t *testing.T) {
	p := newTestProvisioner(t)

	last := map[string]int{}
	err := p.InstallEngine(context.Background(), detect.EngineSilero, "", func(ev progress.Event) {
		if prev, ok := last[ev.Stage]; ok && ev.Percent < prev {
			t.Errorf("stage %q regressed from %d to %d", ev.Stage, prev, ev.Percent)
		}
		last[ev.Stage] = ev.Percent
	})
	if err != nil {
		t.Fatalf("InstallEngine: %v", err)
	}
}

func TestInstallFailureAtPipLeavesNothingBehind(t *testing.T) {
	p := newTestProvisioner(t)
	p.Run = func(_ context.Context, name string, args []string, onStdout, _ func([]byte)) error {
		if len(args) >= 2 && args[0] == "-m" && args[1] == "venv" {
			return writeEnvLayout(args[2])
		}
		if len(args) >= 2 && args[0] == "-m" && args[1] == "pip" {
			return errors.New("pip exited with status 1")
		}
		if onStdout != nil {
			onStdout([]byte(verifyMarker + "\n"))
		}
		return nil
	}

	err := p.InstallEngine(context.Background(), detect.EngineSilero, "", nil)
	if err == nil {
		t.Fatal("InstallEngine succeeded with a failing pip")
	}
	if !apperr.IsKind(err, apperr.KindInstallation) {
		t.Errorf("error kind = %v; want installation_error", err)
	}
	if status := p.Detector.Detect(); status.SileroInstalled {
		t.Error("engine reported installed after pip failure")
	}
	if _, statErr := os.Stat(p.Detector.EnvDir(detect.EngineSilero)); statErr == nil {
		t.Error("partial environment left behind after failure")
	}
	assertNoDownloads(t, p)
}

func TestBrokenEnvironmentIsRebuilt(t *testing.T) {
	p := newTestProvisioner(t)
	// Environment dir present, interpreter gone: a detectably broken
	// prior install.
	debris := filepath.Join(p.Detector.EnvDir(detect.EngineSilero), "leftover.txt")
	if err := os.MkdirAll(filepath.Dir(debris), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(debris, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := p.InstallEngine(context.Background(), detect.EngineSilero, "", nil); err != nil {
		t.Fatalf("InstallEngine: %v", err)
	}
	if _, err := os.Stat(debris); err == nil {
		t.Error("stale environment contents survived the rebuild")
	}
	if !p.Detector.Detect().SileroInstalled {
		t.Error("engine not installed after rebuild")
	}
}

func TestXTTSRefusesWithoutBuildTools(t *testing.T) {
	p := newTestProvisioner(t)
	p.GOOS = "windows"
	p.Toolchain = &archive.ToolchainLocator{
		EnvScriptRel: filepath.Join("VC", "vcvars64.bat"),
		RunCommand:   func(context.Context, string, ...string) (string, error) { return "", errors.New("no vswhere") },
		Stat:         func(string) (os.FileInfo, error) { return nil, fs.ErrNotExist },
		LookPath:     func(string) (string, error) { return "", errors.New("not found") },
	}
	fetched := false
	p.Fetch = func(context.Context, string, string, progress.Func) error {
		fetched = true
		return nil
	}

	err := p.InstallEngine(context.Background(), detect.EngineXTTS, "", nil)
	if err == nil {
		t.Fatal("InstallEngine succeeded without build tools")
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("error is %T; want *apperr.Error", err)
	}
	if !appErr.NeedsBuildTools {
		t.Error("NeedsBuildTools not set")
	}
	if appErr.CanRetry {
		t.Error("CanRetry = true; installing build tools is required first")
	}
	if fetched {
		t.Error("download started before the prerequisite check failed")
	}
}

func TestCUDAInstallRequiresToolkit(t *testing.T) {
	p := newTestProvisioner(t)
	p.GPU = func(context.Context) accel.Available {
		return accel.Available{CPU: true, GPU: accel.GPU{Available: true, Name: "NVIDIA RTX 3060", ToolkitMissing: true, RemediationURL: accel.CUDAToolkitURL}}
	}

	err := p.InstallEngine(context.Background(), detect.EngineSilero, accel.DeviceCUDA, nil)
	if !apperr.IsKind(err, apperr.KindToolkit) {
		t.Fatalf("error = %v; want toolkit_error", err)
	}
}

func TestXTTSPipelineRunsPinAndPredownload(t *testing.T) {
	p := newTestProvisioner(t)
	var commands [][]string
	p.Run = func(_ context.Context, name string, args []string, onStdout, _ func([]byte)) error {
		commands = append(commands, append([]string{name}, args...))
		if len(args) >= 2 && args[0] == "-m" && args[1] == "venv" {
			return writeEnvLayout(args[2])
		}
		if len(args) >= 2 && args[0] == "-c" && strings.Contains(args[1], "download_model") {
			// Driver output: explicit marker then the generic form.
			onStdout([]byte("[model] 40%\n"))
			onStdout([]byte("73%|█████   | downloading\n"))
			if err := os.MkdirAll(args[2], 0o755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(args[2], "config.json"), []byte("{}"), 0o644)
		}
		if onStdout != nil {
			onStdout([]byte(verifyMarker + "\n"))
		}
		return nil
	}

	var modelPercents []int
	err := p.InstallEngine(context.Background(), detect.EngineXTTS, "", func(ev progress.Event) {
		if ev.Stage == StageModel {
			modelPercents = append(modelPercents, ev.Percent)
		}
	})
	if err != nil {
		t.Fatalf("InstallEngine: %v", err)
	}

	var sawPin bool
	for _, cmd := range commands {
		if strings.Contains(strings.Join(cmd, " "), xttsCompatPin) {
			sawPin = true
		}
	}
	if !sawPin {
		t.Error("compatibility pin was never installed")
	}
	if !p.Detector.Detect().XTTSInstalled {
		t.Error("detector does not report the engine installed")
	}
	if len(modelPercents) < 2 {
		t.Fatalf("model progress events = %v; want marker-driven updates", modelPercents)
	}
	for i := 1; i < len(modelPercents); i++ {
		if modelPercents[i] < modelPercents[i-1] {
			t.Fatalf("model progress regressed: %v", modelPercents)
		}
	}
}

func TestVerifyRetriesBeforeFailing(t *testing.T) {
	p := newTestProvisioner(t)
	attempts := 0
	p.Run = func(_ context.Context, name string, args []string, onStdout, _ func([]byte)) error {
		if len(args) >= 2 && args[0] == "-c" && strings.Contains(args[1], verifyMarker) {
			attempts++
			if attempts < 3 {
				return errors.New("module not yet visible")
			}
			onStdout([]byte(verifyMarker + "\n"))
			return nil
		}
		return nil
	}
	if err := writeEnvLayoutAt(p.Detector.RuntimePython()); err != nil {
		t.Fatal(err)
	}

	if err := p.verifyImport(context.Background(), p.Detector.RuntimePython(), "sys"); err != nil {
		t.Fatalf("verifyImport: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d; want 3", attempts)
	}
}

func TestVerifyExhaustsRetries(t *testing.T) {
	p := newTestProvisioner(t)
	attempts := 0
	p.Run = func(context.Context, string, []string, func([]byte), func([]byte)) error {
		attempts++
		return errors.New("import failed")
	}

	if err := p.verifyImport(context.Background(), "python", "torch"); err == nil {
		t.Fatal("verifyImport succeeded with a failing interpreter")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d; want 3", attempts)
	}
}
