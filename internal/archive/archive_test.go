package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeTarGz(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o755, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bundle.zip")
	writeZip(t, src, map[string]string{
		"bin/tool":        "binary",
		"share/README.md": "docs",
	})

	dest := filepath.Join(dir, "out")
	if err := Extract(src, dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "bin", "tool"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != "binary" {
		t.Errorf("extracted content = %q; want %q", got, "binary")
	}
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bundle.tar.gz")
	writeTarGz(t, src, map[string]string{"runtime/python": "interpreter"})

	dest := filepath.Join(dir, "out")
	if err := Extract(src, dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "runtime", "python")); err != nil {
		t.Errorf("extracted file missing: %v", err)
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.zip")
	writeZip(t, src, map[string]string{"../outside.txt": "nope"})

	if err := ExtractZip(src, filepath.Join(dir, "out")); err == nil {
		t.Fatal("expected error for path-escaping entry")
	}
}

func TestExtractUnknownFormat(t *testing.T) {
	if err := Extract("thing.rar", t.TempDir()); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestFindExecutable(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "release-1.2", "bin")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(nested, "piper")
	if err := os.WriteFile(want, []byte("#!"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := FindExecutable(root, "piper")
	if err != nil {
		t.Fatalf("FindExecutable: %v", err)
	}
	if got != want {
		t.Errorf("FindExecutable = %q; want %q", got, want)
	}
}

func TestFindExecutableMatchesExeSuffix(t *testing.T) {
	root := t.TempDir()
	want := filepath.Join(root, "piper.exe")
	if err := os.WriteFile(want, []byte("MZ"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := FindExecutable(root, "piper")
	if err != nil {
		t.Fatalf("FindExecutable: %v", err)
	}
	if got != want {
		t.Errorf("FindExecutable = %q; want %q", got, want)
	}
}

func TestFindExecutableMissing(t *testing.T) {
	if _, err := FindExecutable(t.TempDir(), "ghost"); err == nil {
		t.Fatal("expected error for missing executable")
	}
}

func fakeStat(existing ...string) func(string) (os.FileInfo, error) {
	set := map[string]bool{}
	for _, p := range existing {
		set[p] = true
	}
	return func(p string) (os.FileInfo, error) {
		if set[p] {
			return nil, nil
		}
		return nil, os.ErrNotExist
	}
}

func TestToolchainManifestPreferred(t *testing.T) {
	root := filepath.Join("opt", "buildtools")
	script := filepath.Join(root, "env.bat")
	loc := &ToolchainLocator{
		ManifestTool: "vswhere",
		EnvScriptRel: "env.bat",
		KnownRoots:   []string{filepath.Join("opt", "other")},
		CompilerName: "cl",
		Stat:         fakeStat("vswhere", script),
		RunCommand: func(context.Context, string, ...string) (string, error) {
			return root + "\n", nil
		},
		LookPath: func(string) (string, error) { return "", errors.New("not found") },
	}

	tc, err := loc.Find(context.Background())
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if tc.Source != "manifest" {
		t.Errorf("Source = %q; want manifest", tc.Source)
	}
	if tc.EnvScript != script {
		t.Errorf("EnvScript = %q; want %q", tc.EnvScript, script)
	}
}

func TestToolchainManifestRootWithoutScriptSkipped(t *testing.T) {
	known := filepath.Join("opt", "fallback")
	loc := &ToolchainLocator{
		ManifestTool: "vswhere",
		EnvScriptRel: "env.bat",
		KnownRoots:   []string{known},
		CompilerName: "cl",
		Stat:         fakeStat("vswhere", filepath.Join(known, "env.bat")),
		RunCommand: func(context.Context, string, ...string) (string, error) {
			return filepath.Join("opt", "stale-manifest-root"), nil
		},
		LookPath: func(string) (string, error) { return "", errors.New("not found") },
	}

	tc, err := loc.Find(context.Background())
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if tc.Source != "known-root" {
		t.Errorf("Source = %q; want known-root (stale manifest entry must not win)", tc.Source)
	}
}

func TestToolchainPathFallback(t *testing.T) {
	loc := &ToolchainLocator{
		EnvScriptRel: "env.bat",
		CompilerName: "cc",
		Stat:         fakeStat(),
		LookPath: func(name string) (string, error) {
			if name == "cc" {
				return "/usr/bin/cc", nil
			}
			return "", errors.New("not found")
		},
	}
	tc, err := loc.Find(context.Background())
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if tc.Source != "path" || tc.Compiler != "/usr/bin/cc" {
		t.Errorf("got %+v; want path fallback", tc)
	}
}

func TestToolchainNotFound(t *testing.T) {
	loc := &ToolchainLocator{
		EnvScriptRel: "env.bat",
		CompilerName: "cl",
		Stat:         fakeStat(),
		LookPath:     func(string) (string, error) { return "", errors.New("not found") },
	}
	if _, err := loc.Find(context.Background()); !errors.Is(err, ErrToolchainNotFound) {
		t.Errorf("err = %v; want ErrToolchainNotFound", err)
	}
}
