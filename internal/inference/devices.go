package inference

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"

	"github.com/example/bookvoice/internal/accel"
)

// Device is the inference device chosen at server startup. It is fixed
// for the server process's lifetime.
type Device struct {
	// Device is "cuda", "rocm", or "cpu".
	Device string `json:"device"`
	// Backend is a human-readable description of the runtime in use.
	Backend string `json:"backend"`
	GPUName string `json:"gpu_name,omitempty"`
	// ONNXGPU reports whether a GPU-backed ONNX execution provider is
	// present. Informational: it never changes the primary device.
	ONNXGPU bool `json:"onnx_gpu,omitempty"`
}

// DeviceProber resolves the inference device in priority order: CUDA,
// then ROCm, then CPU, with an informational ONNX execution-provider
// check on the side.
type DeviceProber struct {
	Logger *slog.Logger

	CUDA     func(ctx context.Context) accel.Available
	LookPath func(string) (string, error)
	RunSMI   func(ctx context.Context, name string, args ...string) (string, error)
	ORTProbe func() (string, bool)
}

// NewDeviceProber returns a prober using real OS probes.
func NewDeviceProber(logger *slog.Logger) *DeviceProber {
	if logger == nil {
		logger = slog.Default()
	}
	p := accel.NewProber()
	return &DeviceProber{
		Logger:   logger,
		CUDA:     p.Probe,
		LookPath: exec.LookPath,
		RunSMI:   runSMIOutput,
		ORTProbe: probeORT,
	}
}

// Detect picks the device. The result is logged once and then treated as
// immutable by the rest of the server.
func (p *DeviceProber) Detect(ctx context.Context) Device {
	dev := Device{Device: accel.DeviceCPU, Backend: "CPU"}

	if avail := p.CUDA(ctx); avail.GPU.Available && !avail.GPU.ToolkitMissing {
		dev = Device{
			Device:  accel.DeviceCUDA,
			Backend: "CUDA (" + avail.GPU.Name + ")",
			GPUName: avail.GPU.Name,
		}
	} else if name, ok := p.rocmGPU(ctx); ok {
		dev = Device{
			Device:  "rocm",
			Backend: "ROCm (" + name + ")",
			GPUName: name,
		}
	}

	if lib, ok := p.ORTProbe(); ok {
		dev.ONNXGPU = true
		p.Logger.Info("onnxruntime execution provider present", "library", lib)
	}

	p.Logger.Info("inference device selected", "device", dev.Device, "backend", dev.Backend)
	return dev
}

// rocmGPU reports the first ROCm device name, if the ROCm tools exist.
func (p *DeviceProber) rocmGPU(ctx context.Context) (string, bool) {
	if _, err := p.LookPath("rocm-smi"); err != nil {
		return "", false
	}
	out, err := p.RunSMI(ctx, "rocm-smi", "--showproductname", "--csv")
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "device") {
			continue
		}
		if i := strings.LastIndex(line, ","); i >= 0 {
			name := strings.TrimSpace(line[i+1:])
			if name != "" {
				return name, true
			}
		}
	}
	return "AMD GPU", true
}

// ortLibraryCandidates are the conventional install locations checked
// when no environment override names the library.
var ortLibraryCandidates = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/opt/homebrew/lib/libonnxruntime.dylib",
	"C:/onnxruntime/lib/onnxruntime.dll",
}

// probeORT confirms a loadable ONNX Runtime library. The session is
// opened and closed immediately; this is a capability check only.
func probeORT() (string, bool) {
	path := os.Getenv("ORT_LIBRARY_PATH")
	if path == "" {
		for _, c := range ortLibraryCandidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}
	if path == "" {
		return "", false
	}

	rt, err := ort.NewRuntime(path, 23)
	if err != nil {
		return "", false
	}
	_ = rt.Close()
	return path, true
}

func runSMIOutput(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("run %s: %w", name, err)
	}
	return string(out), nil
}
