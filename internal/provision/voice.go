package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/bookvoice/internal/apperr"
	"github.com/example/bookvoice/internal/detect"
	"github.com/example/bookvoice/internal/progress"
)

// piperVoiceBase is the published voice-model tree; paths below it follow
// the family/locale/name/quality layout.
const piperVoiceBase = "https://huggingface.co/rhasspy/piper-voices/resolve/main"

// InstallVoice adds one voice to an already-installed engine. The parent
// engine must be present first; voices are never installed into a missing
// engine.
func (p *Provisioner) InstallVoice(ctx context.Context, engine, voice string, fn progress.Func) error {
	if fn == nil {
		fn = progress.Discard
	}
	status := p.Detector.Detect()

	switch engine {
	case detect.EnginePiper:
		if !status.PiperInstalled {
			return apperr.New(apperr.KindInstallation, engine, StagePrereqs, "engine must be installed before adding voices")
		}
		return p.installPiperVoice(ctx, voice, fn)

	case detect.EngineSilero:
		// Speakers ship inside the language model; installing a voice is
		// a prerequisite check, nothing is downloaded.
		if !status.SileroInstalled {
			return apperr.New(apperr.KindInstallation, engine, StagePrereqs, "engine must be installed before adding voices")
		}
		fn(progress.Event{Stage: StageComplete, Percent: 100, Detail: "Speaker available"})
		return nil

	case detect.EngineSAPI:
		if p.GOOS != "windows" {
			return apperr.New(apperr.KindInstallation, engine, StagePrereqs, "system voices require Windows speech support")
		}
		if len(p.Detector.SystemVoices(ctx)) == 0 {
			return apperr.New(apperr.KindInstallation, engine, StagePrereqs, "the system voice registry is not reachable")
		}
		return p.installSAPIVoice(ctx, voice, fn)

	default:
		return apperr.New(apperr.KindInstallation, engine, StagePrereqs, fmt.Sprintf("engine %q has no installable voices", engine))
	}
}

// installPiperVoice fetches the voice model and its config. The model is
// the big artifact; its config is a small sidecar that must land next to
// it under the same basename.
func (p *Provisioner) installPiperVoice(ctx context.Context, voice string, fn progress.Func) error {
	modelPath, configPath, err := piperVoiceURLs(voice)
	if err != nil {
		return apperr.New(apperr.KindInstallation, detect.EnginePiper, StagePrereqs, err.Error())
	}

	voicesDir := p.Detector.PiperVoicesDir()
	var clean cleaner
	modelDest := filepath.Join(voicesDir, voice+".onnx")
	configDest := filepath.Join(voicesDir, voice+".onnx.json")
	clean.add(modelDest)
	clean.add(configDest)

	if err := p.Fetch(ctx, modelPath, modelDest, progress.Scale(stageAs(fn, StageDownload), 0, 90)); err != nil {
		return clean.fail(apperr.Wrap(err, detect.EnginePiper, StageDownload))
	}
	if err := p.Fetch(ctx, configPath, configDest, progress.Scale(stageAs(fn, StageDownload), 90, 98)); err != nil {
		return clean.fail(apperr.Wrap(err, detect.EnginePiper, StageDownload))
	}

	fn(progress.Event{Stage: StageComplete, Percent: 100, Detail: "Voice installed"})
	return nil
}

// piperVoiceURLs maps a voice name like "en_US-lessac-medium" to its
// model and config URLs in the published tree.
func piperVoiceURLs(voice string) (model, config string, err error) {
	parts := strings.Split(voice, "-")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("voice %q is not in locale-name-quality form", voice)
	}
	locale, name, quality := parts[0], parts[1], parts[2]
	family := locale
	if i := strings.Index(locale, "_"); i > 0 {
		family = locale[:i]
	}
	dir := fmt.Sprintf("%s/%s/%s/%s/%s", piperVoiceBase, family, locale, name, quality)
	return dir + "/" + voice + ".onnx", dir + "/" + voice + ".onnx.json", nil
}

// installSAPIVoice downloads a voice-pack installer and runs it silently.
// voice is the installer URL; the OS registers the voice itself.
func (p *Provisioner) installSAPIVoice(ctx context.Context, installerURL string, fn progress.Func) error {
	var clean cleaner
	installerPath := filepath.Join(p.downloadsDir(), filepath.Base(installerURL))
	clean.add(installerPath)

	if err := p.Fetch(ctx, installerURL, installerPath, progress.Scale(stageAs(fn, StageDownload), 0, 60)); err != nil {
		return clean.fail(apperr.Wrap(err, detect.EngineSAPI, StageDownload))
	}

	fn(progress.Event{Stage: StageInstall, Percent: 70, Detail: "Running voice installer"})
	if _, err := p.RunInstaller(ctx, installerPath, []string{"/quiet", "/norestart"}, p.InstallerTimeout); err != nil {
		return clean.fail(apperr.Wrap(err, detect.EngineSAPI, StageInstall))
	}

	os.Remove(installerPath)
	fn(progress.Event{Stage: StageComplete, Percent: 100, Detail: "Voice installed"})
	return nil
}
