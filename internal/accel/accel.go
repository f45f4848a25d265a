// Package accel answers two distinct questions kept deliberately apart:
// what compute hardware and toolkits this machine offers (probe), and
// what device a given engine's runtime was actually installed against
// (per-engine marker file).
package accel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Device identifiers.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// CUDAToolkitURL is offered as remediation when a GPU is present but its
// toolkit is not.
const CUDAToolkitURL = "https://developer.nvidia.com/cuda-downloads"

// GPU describes the probed GPU, if any.
type GPU struct {
	Available bool    `json:"available"`
	Name      string  `json:"name,omitempty"`
	MemoryGB  float64 `json:"memoryGb,omitempty"`

	// ToolkitMissing is set when the GPU exists but its compute toolkit
	// is absent, so GPU installs would fail until the user installs it.
	ToolkitMissing bool   `json:"toolkitMissing,omitempty"`
	RemediationURL string `json:"remediationUrl,omitempty"`
}

// Available is the capability-probe result. CPU is always offered.
type Available struct {
	CPU bool `json:"cpu"`
	GPU GPU  `json:"gpu"`
}

// Config records what one engine was installed against. Overwritten
// wholesale on reinstall, never merged.
type Config struct {
	Device         string    `json:"device"`
	InstalledAt    time.Time `json:"installedAt"`
	RuntimeVersion string    `json:"runtimeVersion,omitempty"`
}

// Prober detects available accelerators. Command execution is injectable
// for tests.
type Prober struct {
	RunCommand func(ctx context.Context, name string, args ...string) (string, error)
	LookPath   func(string) (string, error)
}

// NewProber returns a Prober using real OS dependencies.
func NewProber() *Prober {
	return &Prober{}
}

// Probe queries the GPU management tool for device name and memory, and
// checks for the compute toolkit. Machines without the tool simply report
// CPU-only.
func (p *Prober) Probe(ctx context.Context) Available {
	out := Available{CPU: true}

	run := p.RunCommand
	if run == nil {
		run = runOutput
	}
	lookPath := p.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	raw, err := run(ctx, "nvidia-smi", "--query-gpu=name,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return out
	}
	name, memGB, ok := parseSMILine(raw)
	if !ok {
		return out
	}

	out.GPU = GPU{Available: true, Name: name, MemoryGB: memGB}
	if _, err := lookPath("nvcc"); err != nil {
		out.GPU.ToolkitMissing = true
		out.GPU.RemediationURL = CUDAToolkitURL
	}
	return out
}

// parseSMILine reads the first "name, memoryMiB" line of nvidia-smi csv
// output.
func parseSMILine(raw string) (string, float64, bool) {
	line := strings.TrimSpace(raw)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	comma := strings.LastIndex(line, ",")
	if comma < 0 {
		return "", 0, false
	}
	name := strings.TrimSpace(line[:comma])
	memMiB, err := strconv.ParseFloat(strings.TrimSpace(line[comma+1:]), 64)
	if err != nil || name == "" {
		return "", 0, false
	}
	return name, memMiB / 1024, true
}

// markerPath returns the accelerator-choice marker for an engine.
func markerPath(resources, engine string) string {
	return filepath.Join(resources, "envs", engine, "accelerator.json")
}

// LoadConfig reads an engine's accelerator marker. A missing marker
// returns ok=false, not an error: engines installed before markers
// existed fall back to CPU semantics.
func LoadConfig(resources, engine string) (Config, bool, error) {
	b, err := os.ReadFile(markerPath(resources, engine))
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, false, nil
		}
		return Config{}, false, fmt.Errorf("read accelerator marker: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("parse accelerator marker: %w", err)
	}
	return cfg, true, nil
}

// SaveConfig overwrites an engine's accelerator marker.
func SaveConfig(resources, engine string, cfg Config) error {
	path := markerPath(resources, engine)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accelerator marker: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write accelerator marker: %w", err)
	}
	return nil
}

func runOutput(ctx context.Context, name string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	out, err := exec.CommandContext(runCtx, name, args...).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
