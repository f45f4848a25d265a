package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/example/bookvoice/internal/audio"
	"github.com/example/bookvoice/internal/detect"
)

// sileroModels maps language keys to the published model version for
// that language. Each language uses a distinct model, which is why the
// engine's load table is keyed by language.
var sileroModels = map[string]string{
	"ru": "v5_ru",
	"en": "v3_en",
}

// sileroDriver loads one silero model and serves synthesis requests over
// the line protocol. Rate arrives as a speed multiplier and is applied
// by resampling the generated audio; the model itself has no speed
// control.
const sileroDriver = `
import json, sys
import torch, torchaudio

model_id, language = sys.argv[1], sys.argv[2]
device = torch.device("cuda" if torch.cuda.is_available() else "cpu")
model, _ = torch.hub.load(
    repo_or_dir="snakers4/silero-models",
    model="silero_tts",
    language=language,
    speaker=model_id,
)
model.to(device)
print("READY", flush=True)

for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    try:
        req = json.loads(line)
        audio = model.apply_tts(text=req["text"], speaker=req["speaker"],
                                sample_rate=48000)
        rate = req.get("rate") or 1.0
        if rate > 0 and rate != 1.0:
            new_len = max(1, int(audio.shape[-1] / rate))
            audio = torch.nn.functional.interpolate(
                audio.view(1, 1, -1), size=new_len,
                mode="linear", align_corners=False).view(-1)
        torchaudio.save(req["output"], audio.unsqueeze(0), 48000)
        print("DONE", flush=True)
    except Exception as exc:
        print("ERROR %s" % exc, flush=True)
`

// ratePattern matches the signed-percentage rate form, "+50%" or "-25%".
var ratePattern = regexp.MustCompile(`^([+-])(\d+)%$`)

// parseRate maps a rate string onto a speed multiplier. Anything that
// does not match the signed-percentage form means normal speed.
func parseRate(rate string) float64 {
	m := ratePattern.FindStringSubmatch(rate)
	if m == nil {
		return 1.0
	}
	pct, _ := strconv.Atoi(m[2])
	if m[1] == "-" {
		return 1.0 - float64(pct)/100
	}
	return 1.0 + float64(pct)/100
}

// xttsDriver loads the multilingual model once and synthesizes from a
// reference speaker sample per request.
const xttsDriver = `
import json, os, sys
os.environ.setdefault("COQUI_TOS_AGREED", "1")
import torch
from TTS.api import TTS

model_dir, _ = sys.argv[1], sys.argv[2]
device = "cuda" if torch.cuda.is_available() else "cpu"
tts = TTS(model_path=model_dir, config_path=os.path.join(model_dir, "config.json")).to(device)
print("READY", flush=True)

for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    try:
        req = json.loads(line)
        tts.tts_to_file(
            text=req["text"],
            speaker_wav=req["speaker"],
            language=req.get("language", "en"),
            file_path=req["output"],
        )
        print("DONE", flush=True)
    except Exception as exc:
        print("ERROR %s" % exc, flush=True)
`

// NewSileroEngine serves the per-language silero models from the given
// resources directory.
func NewSileroEngine(resources string, start WorkerFactory) Engine {
	det := detect.New(resources)
	if start == nil {
		start = StartWorker
	}
	return &pythonEngine{
		name:        detect.EngineSilero,
		interpreter: det.EnvPython(detect.EngineSilero),
		driver:      sileroDriver,
		models:      sileroModels,
		defaultLang: "ru",
		start:       start,
	}
}

// NewXTTSEngine serves the multilingual model. Generation is serialized:
// the underlying library is not safe for concurrent synthesis.
func NewXTTSEngine(resources string, start WorkerFactory) Engine {
	det := detect.New(resources)
	if start == nil {
		start = StartWorker
	}
	modelDir := filepath.Join(resources, "models", detect.EngineXTTS)
	return &pythonEngine{
		name:        detect.EngineXTTS,
		interpreter: det.EnvPython(detect.EngineXTTS),
		driver:      xttsDriver,
		models:      map[string]string{"multilingual": modelDir},
		defaultLang: "multilingual",
		serialize:   true,
		start:       start,
	}
}

// PiperRunner executes the standalone binary and returns its raw PCM
// stdout. Injectable for tests.
type PiperRunner func(ctx context.Context, binary string, args []string, stdin string) ([]byte, error)

// piperEngine shells out per call. There is no model residency: the
// binary loads its voice on every invocation, so Load only validates the
// voice directory and Loaded is always true.
type piperEngine struct {
	resources string
	run       PiperRunner
}

// NewPiperEngine serves installed voice models through the standalone
// binary.
func NewPiperEngine(resources string, run PiperRunner) Engine {
	if run == nil {
		run = runPiper
	}
	return &piperEngine{resources: resources, run: run}
}

func (e *piperEngine) Name() string { return detect.EnginePiper }

func (e *piperEngine) Load(_ context.Context, _ string) error {
	if _, err := os.Stat(detect.New(e.resources).PiperBinary()); err != nil {
		return fmt.Errorf("piper binary not installed")
	}
	return nil
}

func (e *piperEngine) Unload(string) {}

func (e *piperEngine) Loaded() map[string]bool {
	return map[string]bool{"default": true}
}

func (e *piperEngine) Generate(ctx context.Context, req GenerateRequest) ([]byte, error) {
	det := detect.New(e.resources)
	modelPath := filepath.Join(det.PiperVoicesDir(), req.Speaker+".onnx")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("voice %q is not installed", req.Speaker)
	}

	raw, err := e.run(ctx, det.PiperBinary(), []string{"--model", modelPath, "--output-raw"}, req.Text)
	if err != nil {
		return nil, fmt.Errorf("piper: %w", err)
	}
	return audio.WrapPCM16(raw, voiceSampleRate(modelPath+".json"))
}

// voiceSampleRate reads the voice config sidecar; missing or malformed
// configs fall back to the format the published voices use.
func voiceSampleRate(configPath string) int {
	const fallback = 22050
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fallback
	}
	var cfg struct {
		Audio struct {
			SampleRate int `json:"sample_rate"`
		} `json:"audio"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil || cfg.Audio.SampleRate < 1 {
		return fallback
	}
	return cfg.Audio.SampleRate
}

func runPiper(ctx context.Context, binary string, args []string, stdin string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = strings.NewReader(stdin)

	var out bytes.Buffer
	cmd.Stdout = &out
	var errOut bytes.Buffer
	cmd.Stderr = &errOut

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errOut.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w", firstErrLine(msg), err)
		}
		return nil, err
	}
	return out.Bytes(), nil
}

func firstErrLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return s
}
