package detect

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Supported interpreter window. 32-bit builds are rejected outright: the
// neural engine wheels only ship 64-bit binaries.
const (
	minPythonMinor = 10
	maxPythonMinor = 12
)

// InterpreterInfo is what one candidate interpreter reports about itself.
type InterpreterInfo struct {
	Major int
	Minor int
	Bits  int
}

// InterpreterProbe runs a candidate interpreter and reports its version
// and pointer width. Implementations return an error for candidates that
// fail to launch.
type InterpreterProbe func(ctx context.Context, path string) (InterpreterInfo, error)

// Usable reports whether this interpreter may run the neural engines.
func (i InterpreterInfo) Usable() bool {
	return i.Major == 3 && i.Minor >= minPythonMinor && i.Minor <= maxPythonMinor && i.Bits == 64
}

// findPython walks the candidate list in priority order and returns the
// first interpreter that launches, reports 64-bit, and falls inside the
// supported version window. An earlier candidate that launches but is
// 32-bit or out of range is skipped, not accepted.
func (d *Detector) findPython(ctx context.Context) (string, bool) {
	probe := d.ProbePy
	if probe == nil {
		probe = probeInterpreter
	}
	candidates := d.Candidates
	if candidates == nil {
		candidates = d.defaultCandidates
	}

	for _, path := range candidates() {
		info, err := probe(ctx, path)
		if err != nil {
			continue
		}
		if info.Usable() {
			return path, true
		}
	}
	return "", false
}

// defaultCandidates lists well-known install locations, embedded runtime
// first, newest supported version first within each root.
func (d *Detector) defaultCandidates() []string {
	out := []string{d.RuntimePython()}

	if runtime.GOOS == "windows" {
		roots := []string{
			filepath.Join(os.Getenv("LocalAppData"), "Programs", "Python"),
			`C:\`,
			`C:\Program Files`,
		}
		for minor := maxPythonMinor; minor >= minPythonMinor; minor-- {
			for _, root := range roots {
				out = append(out, filepath.Join(root, fmt.Sprintf("Python3%d", minor), "python.exe"))
			}
		}
	} else {
		for minor := maxPythonMinor; minor >= minPythonMinor; minor-- {
			out = append(out,
				fmt.Sprintf("/usr/bin/python3.%d", minor),
				fmt.Sprintf("/usr/local/bin/python3.%d", minor),
			)
		}
	}

	if p, err := exec.LookPath("python3"); err == nil {
		out = append(out, p)
	}
	if p, err := exec.LookPath("python"); err == nil {
		out = append(out, p)
	}
	return out
}

// probeInterpreter launches the candidate and asks it for version and
// pointer width in one line.
func probeInterpreter(ctx context.Context, path string) (InterpreterInfo, error) {
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const script = "import struct,sys;print(sys.version_info[0],sys.version_info[1],struct.calcsize('P')*8)"
	out, err := exec.CommandContext(runCtx, path, "-c", script).Output()
	if err != nil {
		return InterpreterInfo{}, fmt.Errorf("probe %s: %w", path, err)
	}

	var info InterpreterInfo
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d %d %d", &info.Major, &info.Minor, &info.Bits); err != nil {
		return InterpreterInfo{}, fmt.Errorf("parse probe output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return info, nil
}
