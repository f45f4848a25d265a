package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/bookvoice/internal/accel"
	"github.com/example/bookvoice/internal/apperr"
	"github.com/example/bookvoice/internal/archive"
	"github.com/example/bookvoice/internal/audio"
	"github.com/example/bookvoice/internal/config"
	"github.com/example/bookvoice/internal/detect"
	"github.com/example/bookvoice/internal/download"
	"github.com/example/bookvoice/internal/fsm"
	"github.com/example/bookvoice/internal/inference"
	"github.com/example/bookvoice/internal/progress"
	"github.com/example/bookvoice/internal/provision"
	"github.com/example/bookvoice/internal/testutil"
)

// newTestOrchestrator builds an orchestrator whose OS touchpoints are
// all faked: no network, no subprocesses, a temp resources dir.
func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Paths.ResourcesDir = t.TempDir()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	prov := provision.New(cfg.Paths.ResourcesDir, download.New(), logger)
	prov.GOOS = "linux"
	prov.Sleep = func(time.Duration) {}
	prov.GPU = func(context.Context) accel.Available { return accel.Available{CPU: true} }
	prov.Fetch = func(_ context.Context, url, dest string, fn progress.Func) error {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if fn != nil {
			fn(progress.Event{Percent: 100})
		}
		return os.WriteFile(dest, []byte("artifact: "+url), 0o644)
	}
	prov.Extract = func(_, destDir string) error {
		return writeInterpreter(filepath.Join(destDir, "python", "bin", "python3"))
	}
	prov.Run = func(_ context.Context, name string, args []string, onStdout, _ func([]byte)) error {
		if len(args) >= 2 && args[0] == "-m" && args[1] == "venv" {
			return writeInterpreter(filepath.Join(args[2], "bin", "python"))
		}
		if onStdout != nil {
			onStdout([]byte("BOOKVOICE_OK\n"))
		}
		return nil
	}
	prov.RunInstaller = func(context.Context, string, []string, time.Duration) (archive.InstallOutcome, error) {
		return archive.InstallOK, nil
	}

	o := New(cfg, prov, logger)
	o.Online = func(context.Context) bool { return true }
	o.detector.Candidates = func() []string { return nil }
	o.gpu.RunCommand = func(context.Context, string, ...string) (string, error) {
		return "", errors.New("no gpu tool")
	}
	o.gpu.LookPath = func(string) (string, error) { return "", errors.New("not found") }
	return o
}

func writeInterpreter(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755)
}

// seedInstalled makes the resources dir look fully provisioned with the
// default engine.
func seedInstalled(t *testing.T, o *Orchestrator) {
	t.Helper()
	det := o.detector
	if err := writeInterpreter(det.RuntimePython()); err != nil {
		t.Fatal(err)
	}
	if err := writeInterpreter(det.EnvPython(detect.EngineSilero)); err != nil {
		t.Fatal(err)
	}
}

func TestInitializeRoutesToSetupRequired(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Online = func(context.Context) bool { return false }

	snap := o.Initialize(context.Background())
	if snap.State.Tag != fsm.StateSetupRequired {
		t.Fatalf("state = %s; want %s", snap.State.Tag, fsm.StateSetupRequired)
	}
	if snap.IsOnline {
		t.Error("IsOnline = true; want false from the probe")
	}
}

func TestInitializeProvisionedGoesIdle(t *testing.T) {
	o := newTestOrchestrator(t)
	seedInstalled(t, o)

	snap := o.Initialize(context.Background())
	if snap.State.Tag != fsm.StateReady {
		t.Fatalf("state = %s; want %s", snap.State.Tag, fsm.StateReady)
	}
	if !snap.Dependencies.SileroInstalled {
		t.Error("SileroInstalled = false after seeding")
	}
}

func TestRunSetupEndToEnd(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Initialize(context.Background())

	ch, cancel := o.Subscribe()
	defer cancel()

	if err := o.RunSetup(context.Background(), accel.DeviceCPU); err != nil {
		t.Fatalf("RunSetup: %v", err)
	}

	snap := o.State()
	if snap.State.Tag != fsm.StateReady {
		t.Fatalf("state = %s; want %s", snap.State.Tag, fsm.StateReady)
	}
	if !snap.Dependencies.SileroInstalled {
		t.Error("SileroInstalled = false after setup")
	}

	sawInstalling := false
	for {
		select {
		case s := <-ch:
			if s.State.Tag == fsm.StateSetupInstalling {
				sawInstalling = true
			}
		default:
			if !sawInstalling {
				t.Error("no SETUP_INSTALLING snapshot was published")
			}
			return
		}
	}
}

func TestRunSetupFailureRoutesToSetupError(t *testing.T) {
	o := newTestOrchestrator(t)
	o.provisioner.Run = func(_ context.Context, _ string, args []string, _, _ func([]byte)) error {
		if len(args) >= 2 && args[0] == "-m" && args[1] == "venv" {
			return writeInterpreter(filepath.Join(args[2], "bin", "python"))
		}
		return errors.New("pip exploded")
	}
	o.Initialize(context.Background())

	if err := o.RunSetup(context.Background(), accel.DeviceCPU); err == nil {
		t.Fatal("RunSetup succeeded; want failure")
	}

	snap := o.State()
	if snap.State.Tag != fsm.StateSetupError {
		t.Fatalf("state = %s; want %s", snap.State.Tag, fsm.StateSetupError)
	}
	if snap.State.Err == nil {
		t.Fatal("no typed error recorded")
	}
	if len(snap.ErrorHistory) != 1 {
		t.Errorf("len(ErrorHistory) = %d; want 1", len(snap.ErrorHistory))
	}
}

func TestInstallProviderRejectedWhileBusy(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Initialize(context.Background())
	o.dispatch(fsm.Action{Type: fsm.ActionStartSetup})

	err := o.InstallProvider(context.Background(), detect.EnginePiper, accel.DeviceCPU)
	if err == nil {
		t.Fatal("InstallProvider succeeded during setup; want rejection")
	}
	if got := o.State().State.Tag; got != fsm.StateSetupInstalling {
		t.Errorf("state = %s; want unchanged %s", got, fsm.StateSetupInstalling)
	}
}

func TestInstallProviderRejectedBeforeSetup(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Initialize(context.Background())

	if got := o.State().State.Tag; got != fsm.StateSetupRequired {
		t.Fatalf("state = %s; want %s", got, fsm.StateSetupRequired)
	}

	err := o.InstallProvider(context.Background(), detect.EnginePiper, accel.DeviceCPU)
	if err == nil {
		t.Fatal("InstallProvider succeeded before setup; want rejection")
	}
	if strings.Contains(err.Error(), "in progress") {
		t.Errorf("error = %q; nothing is in progress from SETUP_REQUIRED", err)
	}
	if !strings.Contains(err.Error(), "not available in the current state") {
		t.Errorf("error = %q; want the not-available wording", err)
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	o := newTestOrchestrator(t)
	ch, cancel := o.Subscribe()
	cancel()
	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}
	// Dispatching after cancel must not panic on the closed channel.
	o.SetOnline(false)
}

func TestReinstallAcceleratorRecordsConfig(t *testing.T) {
	o := newTestOrchestrator(t)
	seedInstalled(t, o)
	o.Initialize(context.Background())

	if err := o.ReinstallAccelerator(context.Background(), detect.EngineSilero, accel.DeviceCPU); err != nil {
		t.Fatalf("ReinstallAccelerator: %v", err)
	}

	snap := o.State()
	if snap.State.Tag != fsm.StateReady {
		t.Fatalf("state = %s; want %s", snap.State.Tag, fsm.StateReady)
	}
	cfg, ok := snap.CurrentAccelerators[detect.EngineSilero]
	if !ok {
		t.Fatal("no accelerator config recorded for the engine")
	}
	if cfg.Device != accel.DeviceCPU {
		t.Errorf("Device = %q; want %q", cfg.Device, accel.DeviceCPU)
	}
}

func TestFallBackToCPURecordsNothingWhenReinstallFails(t *testing.T) {
	o := newTestOrchestrator(t)
	seedInstalled(t, o)
	o.Initialize(context.Background())
	o.provisioner.Run = func(_ context.Context, _ string, args []string, _, _ func([]byte)) error {
		if len(args) >= 2 && args[0] == "-m" && args[1] == "venv" {
			return writeInterpreter(filepath.Join(args[2], "bin", "python"))
		}
		return errors.New("pip exploded")
	}

	// Land in TOOLKIT_ERROR the way a toolkit-shaped install failure does.
	o.dispatch(fsm.Action{Type: fsm.ActionStartProviderInstall, Provider: detect.EngineSilero})
	o.dispatch(fsm.Action{Type: fsm.ActionProviderInstallFailed, Err: &apperr.Error{Kind: apperr.KindToolkit, Provider: detect.EngineSilero}})
	if got := o.State().State.Tag; got != fsm.StateToolkitError {
		t.Fatalf("state = %s; want %s", got, fsm.StateToolkitError)
	}

	if err := o.FallBackToCPU(context.Background(), detect.EngineSilero); err == nil {
		t.Fatal("FallBackToCPU succeeded; want the reinstall failure")
	}
	if _, ok := o.State().CurrentAccelerators[detect.EngineSilero]; ok {
		t.Error("CPU accelerator recorded although the reinstall failed")
	}
}

func TestSetOnlineTogglesIdleFace(t *testing.T) {
	o := newTestOrchestrator(t)
	seedInstalled(t, o)
	o.Initialize(context.Background())

	if got := o.SetOnline(false).State.Tag; got != fsm.StateOffline {
		t.Errorf("state = %s; want %s", got, fsm.StateOffline)
	}
	if got := o.SetOnline(true).State.Tag; got != fsm.StateReady {
		t.Errorf("state = %s; want %s", got, fsm.StateReady)
	}
}

// newSynthServer serves /load and /generate the way the inference server
// does, returning a short valid WAV per generate call.
func newSynthServer(t *testing.T) (*httptest.Server, *inference.Client) {
	t.Helper()
	wav, err := audio.EncodeWAV([]float32{0, 0.25, -0.25, 0.5}, 22050)
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/load", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wav)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, inference.NewClient(strings.TrimPrefix(srv.URL, "http://"))
}

func TestConvertWritesOutput(t *testing.T) {
	o := newTestOrchestrator(t)
	seedInstalled(t, o)
	o.Initialize(context.Background())
	_, client := newSynthServer(t)

	out := filepath.Join(t.TempDir(), "book.wav")
	err := o.Convert(context.Background(), client, ConvertRequest{
		Engine:     detect.EngineSilero,
		Language:   "en",
		Speaker:    "en_0",
		Text:       "First sentence. Second sentence.\n\nA new paragraph.",
		OutputPath: out,
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	if got := o.State().State.Tag; got != fsm.StateReady {
		t.Errorf("state = %s; want %s", got, fsm.StateReady)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	testutil.AssertValidWAV(t, data, 22050)
	if _, err := os.Stat(out + ".partial"); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestConvertRejectsEmptyText(t *testing.T) {
	o := newTestOrchestrator(t)
	seedInstalled(t, o)
	o.Initialize(context.Background())
	_, client := newSynthServer(t)

	err := o.Convert(context.Background(), client, ConvertRequest{
		Engine:     detect.EngineSilero,
		Text:       "   ",
		OutputPath: filepath.Join(t.TempDir(), "out.wav"),
	})
	if !apperr.IsKind(err, apperr.KindGeneration) {
		t.Fatalf("err = %v; want generation error", err)
	}
	if got := o.State().State.Tag; got != fsm.StateReady {
		t.Errorf("state = %s; want unchanged %s", got, fsm.StateReady)
	}
}

func TestAbortConversionReturnsToIdleWithoutOutput(t *testing.T) {
	o := newTestOrchestrator(t)
	seedInstalled(t, o)
	o.Initialize(context.Background())

	started := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/load", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		// The server only cancels r.Context() on client disconnect once
		// the request body has been consumed; without this the deferred
		// srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := inference.NewClient(strings.TrimPrefix(srv.URL, "http://"))

	out := filepath.Join(t.TempDir(), "book.wav")
	done := make(chan error, 1)
	go func() {
		done <- o.Convert(context.Background(), client, ConvertRequest{
			Engine:     detect.EngineSilero,
			Language:   "en",
			Speaker:    "en_0",
			Text:       "This will be aborted mid-flight.",
			OutputPath: out,
		})
	}()

	<-started
	o.AbortConversion()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("aborted Convert returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Convert did not return after abort")
	}

	if got := o.State().State.Tag; got != fsm.StateReady {
		t.Errorf("state = %s; want %s", got, fsm.StateReady)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("output file exists after abort")
	}
	if len(o.State().ErrorHistory) != 0 {
		t.Error("abort recorded an error; cancellation is not a failure")
	}
}

func TestConvertFailureRoutesToConversionError(t *testing.T) {
	o := newTestOrchestrator(t)
	seedInstalled(t, o)
	o.Initialize(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/load", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "model asploded"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := inference.NewClient(strings.TrimPrefix(srv.URL, "http://"))

	err := o.Convert(context.Background(), client, ConvertRequest{
		Engine:     detect.EngineSilero,
		Language:   "en",
		Speaker:    "en_0",
		Text:       "Doomed.",
		OutputPath: filepath.Join(t.TempDir(), "out.wav"),
	})
	if err == nil {
		t.Fatal("Convert succeeded; want failure")
	}
	snap := o.State()
	if snap.State.Tag != fsm.StateConversionError {
		t.Fatalf("state = %s; want %s", snap.State.Tag, fsm.StateConversionError)
	}
	if snap.State.Err == nil || snap.State.Err.Kind != apperr.KindGeneration {
		t.Errorf("Err = %+v; want generation kind", snap.State.Err)
	}
}
