// Package detect answers "what is installed and usable right now". The
// result is a pure projection of filesystem and registry state: nothing
// is cached, so repeated probes with an unchanged disk return identical
// snapshots and external changes are picked up on the next probe.
package detect

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
)

// Engine names used throughout the provisioning and inference layers.
const (
	EngineSilero = "silero"
	EngineXTTS   = "xtts"
	EnginePiper  = "piper"
	EngineSAPI   = "sapi"
)

// DependencyStatus is a snapshot of installed capability. Sync fields are
// always populated; fields marked async default to conservative
// "unavailable/empty" unless the async probe ran.
type DependencyStatus struct {
	RuntimeInstalled bool
	SileroInstalled  bool
	XTTSInstalled    bool
	PiperInstalled   bool

	// PiperVoices lists installed voice models; non-empty only when
	// PiperInstalled is true.
	PiperVoices []string

	// Async fields.
	PythonAvailable bool
	PythonPath      string
	BuildTools      bool
	SAPIAvailable   bool
	SAPIVoices      []string
}

// Detector probes the resources directory and, in the async variant, the
// wider machine. All OS touchpoints are injectable for tests.
type Detector struct {
	Resources string

	Stat       func(string) (os.FileInfo, error)
	ReadDir    func(string) ([]os.DirEntry, error)
	ProbePy    InterpreterProbe
	Candidates func() []string
	Toolchain  ToolchainProbe
	VoiceEnum  VoiceEnumerator
}

// ToolchainProbe reports whether a compiler toolchain is present.
type ToolchainProbe func(ctx context.Context) bool

// New returns a Detector over the given resources directory using real
// OS dependencies.
func New(resources string) *Detector {
	return &Detector{
		Resources: resources,
		Stat:      os.Stat,
		ReadDir:   os.ReadDir,
	}
}

// Detect runs the fast, filesystem-only probes.
func (d *Detector) Detect() DependencyStatus {
	stat := d.stat()

	var st DependencyStatus
	st.RuntimeInstalled = exists(stat, d.RuntimePython())
	st.SileroInstalled = exists(stat, d.EnvPython(EngineSilero))
	st.XTTSInstalled = exists(stat, d.EnvPython(EngineXTTS)) && exists(stat, filepath.Join(d.Resources, "models", EngineXTTS, "config.json"))
	st.PiperInstalled = exists(stat, d.PiperBinary())

	// A voice may be listed only when its parent engine is present;
	// installers check the same prerequisite before adding voices.
	if st.PiperInstalled {
		st.PiperVoices = d.piperVoices()
	}
	return st
}

// DetectAll runs Detect plus the slower probes that may shell out:
// interpreter discovery, build-tools presence, and OS voice enumeration.
func (d *Detector) DetectAll(ctx context.Context) DependencyStatus {
	st := d.Detect()

	if path, ok := d.findPython(ctx); ok {
		st.PythonAvailable = true
		st.PythonPath = path
	}
	if d.Toolchain != nil {
		st.BuildTools = d.Toolchain(ctx)
	}
	voices := d.enumerateVoices(ctx)
	if len(voices) > 0 {
		st.SAPIAvailable = true
		st.SAPIVoices = voices
	}
	return st
}

// RuntimePython returns the embedded runtime's interpreter path.
func (d *Detector) RuntimePython() string {
	return filepath.Join(d.Resources, "runtime", pythonRel())
}

// EnvPython returns the interpreter path inside an engine's isolated
// environment.
func (d *Detector) EnvPython(engine string) string {
	return filepath.Join(d.EnvDir(engine), envPythonRel())
}

// EnvDir returns an engine's isolated environment directory.
func (d *Detector) EnvDir(engine string) string {
	return filepath.Join(d.Resources, "envs", engine)
}

// PiperBinary returns the lightweight engine's executable path.
func (d *Detector) PiperBinary() string {
	name := "piper"
	if runtime.GOOS == "windows" {
		name = "piper.exe"
	}
	return filepath.Join(d.Resources, "piper", name)
}

// PiperVoicesDir returns where piper voice models live.
func (d *Detector) PiperVoicesDir() string {
	return filepath.Join(d.Resources, "piper", "voices")
}

func (d *Detector) piperVoices() []string {
	readDir := d.ReadDir
	if readDir == nil {
		readDir = os.ReadDir
	}
	entries, err := readDir(d.PiperVoicesDir())
	if err != nil {
		return nil
	}
	var voices []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".onnx" {
			voices = append(voices, name[:len(name)-len(".onnx")])
		}
	}
	sort.Strings(voices)
	return voices
}

func (d *Detector) stat() func(string) (os.FileInfo, error) {
	if d.Stat != nil {
		return d.Stat
	}
	return os.Stat
}

func exists(stat func(string) (os.FileInfo, error), path string) bool {
	_, err := stat(path)
	return err == nil
}

func pythonRel() string {
	if runtime.GOOS == "windows" {
		return "python.exe"
	}
	return filepath.Join("bin", "python3")
}

func envPythonRel() string {
	if runtime.GOOS == "windows" {
		return filepath.Join("Scripts", "python.exe")
	}
	return filepath.Join("bin", "python")
}
