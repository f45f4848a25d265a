package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/example/bookvoice/internal/accel"
)

func testProber() *DeviceProber {
	return &DeviceProber{
		Logger:   quietLogger(),
		CUDA:     func(context.Context) accel.Available { return accel.Available{CPU: true} },
		LookPath: func(string) (string, error) { return "", errors.New("not found") },
		RunSMI:   func(context.Context, string, ...string) (string, error) { return "", errors.New("no tool") },
		ORTProbe: func() (string, bool) { return "", false },
	}
}

func TestDetectFallsBackToCPU(t *testing.T) {
	dev := testProber().Detect(context.Background())
	if dev.Device != accel.DeviceCPU || dev.Backend != "CPU" {
		t.Errorf("device = %+v; want CPU fallback", dev)
	}
}

func TestDetectPrefersCUDA(t *testing.T) {
	p := testProber()
	p.CUDA = func(context.Context) accel.Available {
		return accel.Available{CPU: true, GPU: accel.GPU{Available: true, Name: "NVIDIA RTX 4070"}}
	}
	// A ROCm tool on PATH must not win over CUDA.
	p.LookPath = func(string) (string, error) { return "/usr/bin/rocm-smi", nil }
	p.RunSMI = func(context.Context, string, ...string) (string, error) {
		return "device,Card series\ncard0,Radeon RX 7900\n", nil
	}

	dev := p.Detect(context.Background())
	if dev.Device != accel.DeviceCUDA {
		t.Fatalf("device = %q; want cuda", dev.Device)
	}
	if dev.GPUName != "NVIDIA RTX 4070" {
		t.Errorf("gpu name = %q; want the CUDA device", dev.GPUName)
	}
}

func TestDetectUsesROCmWhenCUDAMissing(t *testing.T) {
	p := testProber()
	p.LookPath = func(string) (string, error) { return "/usr/bin/rocm-smi", nil }
	p.RunSMI = func(context.Context, string, ...string) (string, error) {
		return "device,Card series\ncard0,Radeon RX 7900\n", nil
	}

	dev := p.Detect(context.Background())
	if dev.Device != "rocm" {
		t.Fatalf("device = %q; want rocm", dev.Device)
	}
	if dev.GPUName != "Radeon RX 7900" {
		t.Errorf("gpu name = %q; want parsed from tool output", dev.GPUName)
	}
}

func TestCUDAWithMissingToolkitDoesNotSelectCUDA(t *testing.T) {
	p := testProber()
	p.CUDA = func(context.Context) accel.Available {
		return accel.Available{CPU: true, GPU: accel.GPU{Available: true, Name: "NVIDIA RTX 4070", ToolkitMissing: true}}
	}

	dev := p.Detect(context.Background())
	if dev.Device != accel.DeviceCPU {
		t.Fatalf("device = %q; want cpu when the toolkit is missing", dev.Device)
	}
}

func TestONNXProbeIsInformationalOnly(t *testing.T) {
	p := testProber()
	p.ORTProbe = func() (string, bool) { return "/usr/lib/libonnxruntime.so", true }

	dev := p.Detect(context.Background())
	if dev.Device != accel.DeviceCPU {
		t.Fatalf("device = %q; the ONNX provider must not change the primary device", dev.Device)
	}
	if !dev.ONNXGPU {
		t.Error("ONNX provider presence not reported")
	}
}
