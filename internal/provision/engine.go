package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"github.com/example/bookvoice/internal/accel"
	"github.com/example/bookvoice/internal/apperr"
	"github.com/example/bookvoice/internal/archive"
	"github.com/example/bookvoice/internal/detect"
	"github.com/example/bookvoice/internal/pipparse"
	"github.com/example/bookvoice/internal/progress"
)

// BuildToolsURL is where users get the compiler toolchain when the
// precheck fails.
const BuildToolsURL = "https://visualstudio.microsoft.com/visual-cpp-build-tools/"

// xttsModelName is the neural model pulled during predownload.
const xttsModelName = "tts_models/multilingual/multi-dataset/xtts_v2"

// xttsCompatPin is force-installed after the broad package set because
// the broad install selects a transformers release the engine cannot
// load checkpoints with. Broad first, then narrow: the order matters.
const xttsCompatPin = "transformers>=4.33.0,<4.37.0"

// pipPackages lists what each Python engine installs into its isolated
// environment.
var pipPackages = map[string][]string{
	detect.EngineSilero: {"torch", "torchaudio", "numpy", "omegaconf"},
	detect.EngineXTTS:   {"TTS", "torch", "torchaudio"},
}

// xttsPredownload runs inside the engine environment and pulls the model
// into the directory given as its only argument, echoing tqdm-style
// percentages while it downloads.
const xttsPredownload = `
import os, shutil, sys
os.environ.setdefault("COQUI_TOS_AGREED", "1")
from TTS.utils.manage import ModelManager
manager = ModelManager(progress_bar=True)
path, _, _ = manager.download_model(` + `"` + xttsModelName + `"` + `)
dest = sys.argv[1]
os.makedirs(dest, exist_ok=True)
for name in os.listdir(path):
    src = os.path.join(path, name)
    if os.path.isfile(src):
        shutil.copy2(src, dest)
print("BOOKVOICE_MODEL_READY")
`

// InstallEngine installs one engine end to end. device selects the
// accelerator the runtime is built against; empty means CPU. Progress
// covers 0-100 including any runtime bootstrap folded into the front of
// the range.
func (p *Provisioner) InstallEngine(ctx context.Context, engine, device string, fn progress.Func) error {
	if fn == nil {
		fn = progress.Discard
	}
	switch engine {
	case detect.EnginePiper:
		return p.installPiper(ctx, fn)
	case detect.EngineSilero, detect.EngineXTTS:
		return p.installPythonEngine(ctx, engine, device, fn)
	default:
		return apperr.New(apperr.KindInstallation, engine, StagePrereqs, fmt.Sprintf("unknown engine %q", engine))
	}
}

func (p *Provisioner) installPythonEngine(ctx context.Context, engine, device string, fn progress.Func) error {
	fn(progress.Event{Stage: StagePrereqs, Percent: 0, Detail: "Checking prerequisites"})

	// Cheap preconditions before anything expensive: the heavyweight
	// engine compiles native extensions and fails minutes into pip
	// without a toolchain, so refuse up front with a typed outcome.
	var toolchain archive.Toolchain
	if engine == detect.EngineXTTS && p.GOOS == "windows" {
		tc, err := p.Toolchain.Find(ctx)
		if err != nil {
			if errors.Is(err, archive.ErrToolchainNotFound) {
				return apperr.BuildTools(engine, BuildToolsURL)
			}
			return apperr.Wrap(err, engine, StagePrereqs)
		}
		toolchain = tc
	}
	if device == accel.DeviceCUDA {
		avail := p.GPU(ctx)
		if !avail.GPU.Available {
			return apperr.New(apperr.KindInstallation, engine, StagePrereqs, "no CUDA-capable GPU detected")
		}
		if avail.GPU.ToolkitMissing {
			return apperr.Toolkit(engine, StagePrereqs, "CUDA toolkit not found", accel.CUDAToolkitURL)
		}
	}
	fn(progress.Event{Stage: StagePrereqs, Percent: 5, Detail: "Prerequisites satisfied"})

	if err := p.EnsureRuntime(ctx, progress.Scale(fn, 5, 15)); err != nil {
		return err
	}

	var clean cleaner
	envDir := p.Detector.EnvDir(engine)
	creating := true
	if _, err := os.Stat(p.Detector.EnvPython(engine)); err == nil {
		// A healthy environment is reinstalled in place; a prior
		// failure's debris is rebuilt from scratch below.
		creating = false
	} else if _, err := os.Stat(envDir); err == nil {
		p.Logger.Warn("removing broken engine environment", "engine", engine, "dir", envDir)
		if err := os.RemoveAll(envDir); err != nil {
			return apperr.Wrap(err, engine, StageEnv)
		}
	}
	if creating {
		clean.add(envDir)
		fn(progress.Event{Stage: StageEnv, Percent: 0, Detail: "Creating isolated environment"})
		if err := p.Run(ctx, p.Detector.RuntimePython(), []string{"-m", "venv", envDir}, nil, nil); err != nil {
			return clean.fail(apperr.Wrap(err, engine, StageEnv))
		}
	}
	fn(progress.Event{Stage: StageEnv, Percent: 100, Detail: "Environment ready"})

	pipLo, pipHi := 25, 90
	if engine == detect.EngineXTTS {
		pipLo, pipHi = 20, 55
	}
	packages := pipPackages[engine]
	var extra []string
	if device != accel.DeviceCUDA {
		// The default torch wheel drags the full CUDA runtime along;
		// CPU installs pull from the CPU wheel index instead.
		extra = []string{"--index-url", "https://download.pytorch.org/whl/cpu"}
	}
	if err := p.pipInstall(ctx, engine, toolchain, packages, extra, progress.Scale(fn, pipLo, pipHi)); err != nil {
		return clean.fail(err)
	}

	if engine == detect.EngineXTTS {
		fn(progress.Event{Stage: StagePin, Percent: 0, Detail: "Pinning compatible transformers"})
		if err := p.pipInstall(ctx, engine, toolchain, []string{xttsCompatPin}, nil, progress.Scale(fn, 55, 60)); err != nil {
			return clean.fail(err)
		}
		if err := p.predownloadModel(ctx, engine, progress.Scale(fn, 60, 95)); err != nil {
			return clean.fail(err)
		}
	}

	sentinel := "torch"
	if engine == detect.EngineXTTS {
		sentinel = "TTS"
	}
	fn(progress.Event{Stage: StageVerify, Percent: 0, Detail: "Verifying installation"})
	if err := p.verifyImport(ctx, p.Detector.EnvPython(engine), sentinel); err != nil {
		wrapped := apperr.Wrap(err, engine, StageVerify)
		return clean.fail(wrapped)
	}

	cfg := accel.Config{Device: device, InstalledAt: time.Now().UTC()}
	if cfg.Device == "" {
		cfg.Device = accel.DeviceCPU
	}
	if err := accel.SaveConfig(p.Resources, engine, cfg); err != nil {
		p.Logger.Warn("accelerator marker write failed", "engine", engine, "error", err)
	}

	fn(progress.Event{Stage: StageComplete, Percent: 100, Detail: "Installation complete"})
	return nil
}

// pipInstall runs pip in the engine's environment, mapping its scraped
// output into 0-100 of fn. For the engine that compiles native
// extensions the command is composed to activate the compiler
// environment first and then run pip inside it.
func (p *Provisioner) pipInstall(ctx context.Context, engine string, toolchain archive.Toolchain, packages, extra []string, fn progress.Func) error {
	envPython := p.Detector.EnvPython(engine)
	pipArgs := append([]string{"-m", "pip", "install", "--no-warn-script-location"}, packages...)
	pipArgs = append(pipArgs, extra...)

	name := envPython
	args := pipArgs
	if toolchain.EnvScript != "" {
		composed := fmt.Sprintf(`"%s" && "%s"`, toolchain.EnvScript, envPython)
		for _, a := range pipArgs {
			composed += " " + a
		}
		name = "cmd"
		args = []string{"/c", composed}
	}

	obs := newPipObserver(fn, len(packages))
	parser := &pipparse.Parser{Emit: obs.observe}
	err := p.Run(ctx, name, args,
		func(chunk []byte) { parser.Feed(pipparse.Stdout, chunk) },
		func(chunk []byte) { parser.Feed(pipparse.Stderr, chunk) })
	parser.Flush()
	if err != nil {
		return apperr.Wrap(fmt.Errorf("pip install: %w", err), engine, StageInstall)
	}
	fn(progress.Event{Stage: StageInstall, Percent: 100})
	return nil
}

// pipObserver folds pip events into a single advancing percentage: each
// requested package owns an equal share of the bar, and per-package
// download percentages interpolate within that share.
type pipObserver struct {
	fn    progress.Func
	total int
	seen  int
	last  int
}

func newPipObserver(fn progress.Func, total int) *pipObserver {
	if total < 1 {
		total = 1
	}
	return &pipObserver{fn: fn, total: total}
}

func (o *pipObserver) observe(ev pipparse.Event) {
	switch ev.Kind {
	case pipparse.KindCollecting:
		if o.seen < o.total {
			o.seen++
		}
		o.report(o.base(), "Collecting "+ev.Package)
	case pipparse.KindDownloadPercent, pipparse.KindDownloadSize:
		if ev.Percent == pipparse.PercentUnknown {
			return
		}
		share := 100 / o.total
		o.report(o.base()+ev.Percent*share/100, "Downloading "+ev.Package)
	case pipparse.KindBuilding:
		o.report(o.last, "Building "+ev.Package)
	case pipparse.KindInstalling:
		o.report(90, "Installing collected packages")
	case pipparse.KindComplete:
		o.report(100, "Packages installed")
	}
}

func (o *pipObserver) base() int {
	if o.seen == 0 {
		return 0
	}
	return (o.seen - 1) * 100 / o.total
}

func (o *pipObserver) report(pct int, detail string) {
	pct = progress.Clamp(o.last, pct)
	o.last = pct
	o.fn(progress.Event{Stage: StageInstall, Percent: pct, Detail: detail})
}

// reModelMarker is the driver's explicit progress marker; generic
// percentages from tqdm-style bars are handled by the pip parser's
// percent rule.
var reModelMarker = regexp.MustCompile(`(?i)\[model\]\s+(\d{1,3})%`)

// predownloadModel pulls the large neural model by running a short driver
// script in the freshly-installed environment and scanning its combined
// output for progress.
func (p *Provisioner) predownloadModel(ctx context.Context, engine string, fn progress.Func) error {
	modelDir := filepath.Join(p.Resources, "models", engine)
	fn(progress.Event{Stage: StageModel, Percent: 0, Detail: "Downloading model"})

	last := 0
	emit := func(pct int) {
		pct = progress.Clamp(last, pct)
		last = pct
		fn(progress.Event{Stage: StageModel, Percent: pct, Detail: "Downloading model"})
	}
	parser := &pipparse.Parser{
		Emit: func(ev pipparse.Event) {
			if ev.Percent != pipparse.PercentUnknown {
				emit(ev.Percent)
			}
		},
		Raw: func(line string) {
			if m := reModelMarker.FindStringSubmatch(line); m != nil {
				if pct, err := parsePercent(m[1]); err == nil {
					emit(pct)
				}
			}
		},
	}

	feed := func(stream pipparse.Stream) func([]byte) {
		return func(chunk []byte) { parser.Feed(stream, chunk) }
	}
	err := p.Run(ctx, p.Detector.EnvPython(engine), []string{"-c", xttsPredownload, modelDir},
		feed(pipparse.Stdout), feed(pipparse.Stderr))
	parser.Flush()
	if err != nil {
		var clean cleaner
		clean.add(modelDir)
		return clean.fail(apperr.Wrap(fmt.Errorf("model predownload: %w", err), engine, StageModel))
	}
	fn(progress.Event{Stage: StageModel, Percent: 100, Detail: "Model ready"})
	return nil
}

func parsePercent(s string) (int, error) {
	var pct int
	if _, err := fmt.Sscanf(s, "%d", &pct); err != nil {
		return 0, err
	}
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

// installPiper downloads and unpacks the standalone binary engine. No
// interpreter is involved; the pipeline is download, extract, verify.
func (p *Provisioner) installPiper(ctx context.Context, fn progress.Func) error {
	fn(progress.Event{Stage: StagePrereqs, Percent: 0, Detail: "Checking prerequisites"})

	var clean cleaner
	url := piperURL()
	archivePath := filepath.Join(p.downloadsDir(), filepath.Base(url))
	clean.add(archivePath)

	if err := p.Fetch(ctx, url, archivePath, progress.Scale(stageAs(fn, StageDownload), 5, 75)); err != nil {
		return clean.fail(apperr.Wrap(err, detect.EnginePiper, StageDownload))
	}

	stagingDir := filepath.Join(p.downloadsDir(), "piper.extract")
	clean.add(stagingDir)
	fn(progress.Event{Stage: StageInstall, Percent: 80, Detail: "Extracting"})
	if err := p.Extract(archivePath, stagingDir); err != nil {
		return clean.fail(apperr.Wrap(err, detect.EnginePiper, StageInstall))
	}

	// Release archives nest the payload under a "piper" directory.
	src := stagingDir
	if _, err := os.Stat(filepath.Join(stagingDir, "piper")); err == nil {
		src = filepath.Join(stagingDir, "piper")
	}
	installDir := filepath.Join(p.Resources, "piper")
	clean.add(installDir)
	os.RemoveAll(installDir)
	if err := os.Rename(src, installDir); err != nil {
		return clean.fail(apperr.Wrap(err, detect.EnginePiper, StageInstall))
	}

	fn(progress.Event{Stage: StageVerify, Percent: 90, Detail: "Verifying"})
	if _, err := os.Stat(p.Detector.PiperBinary()); err != nil {
		return clean.fail(apperr.New(apperr.KindInstallation, detect.EnginePiper, StageVerify, "engine binary missing after extraction"))
	}

	os.Remove(archivePath)
	os.RemoveAll(stagingDir)
	fn(progress.Event{Stage: StageComplete, Percent: 100, Detail: "Installation complete"})
	return nil
}

func piperURL() string {
	const base = "https://github.com/rhasspy/piper/releases/download/2023.11.14-2/"
	switch runtime.GOOS {
	case "windows":
		return base + "piper_windows_amd64.zip"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return base + "piper_macos_aarch64.tar.gz"
		}
		return base + "piper_macos_x64.tar.gz"
	default:
		return base + "piper_linux_x86_64.tar.gz"
	}
}
