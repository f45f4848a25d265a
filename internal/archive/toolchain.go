package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrToolchainNotFound is returned when no usable compiler installation
// could be located by any strategy.
var ErrToolchainNotFound = errors.New("compiler toolchain not found")

// Toolchain describes a located compiler installation. EnvScript, when
// set, is the activation script that installs must run under so native
// extensions compile against the right environment.
type Toolchain struct {
	Root      string
	EnvScript string
	Compiler  string
	Source    string // "manifest", "known-root", or "path"
}

// ToolchainLocator probes for a compiler toolchain in priority order:
// the installer-manifest query tool first, then a fixed list of known
// install roots, then the execution search path.
type ToolchainLocator struct {
	// ManifestTool queries the vendor's installation manifest
	// (vswhere-style); its first output line is the install root.
	ManifestTool string
	ManifestArgs []string

	KnownRoots   []string
	EnvScriptRel string
	CompilerName string

	// Injection points for tests.
	RunCommand func(ctx context.Context, name string, args ...string) (string, error)
	Stat       func(string) (os.FileInfo, error)
	LookPath   func(string) (string, error)
}

// DefaultLocator returns a locator configured for the Visual Studio build
// tools layout, which is what the native-extension installs target.
func DefaultLocator() *ToolchainLocator {
	pf86 := os.Getenv("ProgramFiles(x86)")
	if pf86 == "" {
		pf86 = `C:\Program Files (x86)`
	}
	pf := os.Getenv("ProgramFiles")
	if pf == "" {
		pf = `C:\Program Files`
	}
	return &ToolchainLocator{
		ManifestTool: filepath.Join(pf86, "Microsoft Visual Studio", "Installer", "vswhere.exe"),
		ManifestArgs: []string{
			"-latest", "-products", "*",
			"-requires", "Microsoft.VisualStudio.Component.VC.Tools.x86.x64",
			"-property", "installationPath",
		},
		KnownRoots: []string{
			filepath.Join(pf, "Microsoft Visual Studio", "2022", "BuildTools"),
			filepath.Join(pf, "Microsoft Visual Studio", "2022", "Community"),
			filepath.Join(pf86, "Microsoft Visual Studio", "2019", "BuildTools"),
			filepath.Join(pf86, "Microsoft Visual Studio", "2019", "Community"),
		},
		EnvScriptRel: filepath.Join("VC", "Auxiliary", "Build", "vcvars64.bat"),
		CompilerName: "cl",
	}
}

// Find returns the first verified toolchain. Verification means the
// environment activation script is actually present under the reported
// root; a manifest entry whose files are gone does not count.
func (l *ToolchainLocator) Find(ctx context.Context) (Toolchain, error) {
	runCommand := l.RunCommand
	if runCommand == nil {
		runCommand = runCombined
	}
	stat := l.Stat
	if stat == nil {
		stat = os.Stat
	}
	lookPath := l.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	if l.ManifestTool != "" {
		if _, err := stat(l.ManifestTool); err == nil {
			out, err := runCommand(ctx, l.ManifestTool, l.ManifestArgs...)
			if err == nil {
				root := firstLine(out)
				if root != "" {
					if tc, ok := l.verifyRoot(stat, root, "manifest"); ok {
						return tc, nil
					}
				}
			}
		}
	}

	for _, root := range l.KnownRoots {
		if tc, ok := l.verifyRoot(stat, root, "known-root"); ok {
			return tc, nil
		}
	}

	if path, err := lookPath(l.CompilerName); err == nil {
		return Toolchain{Compiler: path, Source: "path"}, nil
	}

	return Toolchain{}, ErrToolchainNotFound
}

func (l *ToolchainLocator) verifyRoot(stat func(string) (os.FileInfo, error), root, source string) (Toolchain, bool) {
	script := filepath.Join(root, l.EnvScriptRel)
	if _, err := stat(script); err != nil {
		return Toolchain{}, false
	}
	return Toolchain{Root: root, EnvScript: script, Source: source}, true
}

func runCombined(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("run %s: %w", name, err)
	}
	return string(out), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
