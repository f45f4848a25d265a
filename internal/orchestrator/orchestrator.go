// Package orchestrator drives the application: it owns the state
// machine, serializes every action through one dispatch point, runs the
// long provisioning and conversion operations, and supervises the
// inference server. The presentation layer only ever sees state
// snapshots and operation results.
package orchestrator

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/bookvoice/internal/accel"
	"github.com/example/bookvoice/internal/apperr"
	"github.com/example/bookvoice/internal/archive"
	"github.com/example/bookvoice/internal/config"
	"github.com/example/bookvoice/internal/detect"
	"github.com/example/bookvoice/internal/fsm"
	"github.com/example/bookvoice/internal/inference"
	"github.com/example/bookvoice/internal/progress"
	"github.com/example/bookvoice/internal/provision"
)

// DefaultEngine is what first-time setup installs.
const DefaultEngine = detect.EngineSilero

// Orchestrator is the single writer of application state. All methods
// are safe for concurrent use; actions are applied one at a time.
type Orchestrator struct {
	cfg config.Config
	log *slog.Logger

	mu    sync.Mutex
	state fsm.Context
	subs  map[string]chan fsm.Context

	detector    *detect.Detector
	provisioner *provision.Provisioner
	gpu         *accel.Prober
	supervisor  *inference.Supervisor

	// Online is the connectivity probe used by the network monitor.
	Online func(ctx context.Context) bool

	convertMu     sync.Mutex
	cancelConvert context.CancelFunc
}

// New wires an orchestrator from configuration.
func New(cfg config.Config, prov *provision.Provisioner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		log:         logger,
		state:       fsm.NewContext(),
		subs:        map[string]chan fsm.Context{},
		detector:    detect.New(cfg.Paths.ResourcesDir),
		provisioner: prov,
		gpu:         accel.NewProber(),
		supervisor: inference.NewSupervisor(
			cfg.Server.ListenAddr,
			time.Duration(cfg.Server.StartupTimeout)*time.Second,
			logger,
		),
		Online: probeOnline,
	}
}

// State returns the current snapshot.
func (o *Orchestrator) State() fsm.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe registers a snapshot channel. Every accepted action pushes
// the resulting context; slow consumers drop intermediate snapshots
// rather than blocking dispatch. cancel unregisters and closes the
// channel.
func (o *Orchestrator) Subscribe() (<-chan fsm.Context, func()) {
	id := uuid.NewString()
	ch := make(chan fsm.Context, 16)

	o.mu.Lock()
	o.subs[id] = ch
	o.mu.Unlock()

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if sub, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// dispatch applies one action and notifies subscribers. It returns the
// resulting snapshot.
func (o *Orchestrator) dispatch(a fsm.Action) fsm.Context {
	o.mu.Lock()
	defer o.mu.Unlock()

	before := o.state.State.Tag
	o.state = fsm.Reduce(o.state, a)
	if o.state.State.Tag != before {
		o.log.Debug("state transition", "action", string(a.Type), "from", string(before), "to", string(o.state.State.Tag))
	}

	for _, ch := range o.subs {
		select {
		case ch <- o.state:
		default:
			// Drop rather than block: subscribers always get the next
			// snapshot, which supersedes the missed one.
		}
	}
	return o.state
}

// Initialize probes dependencies, accelerators, and connectivity, then
// moves out of LOADING.
func (o *Orchestrator) Initialize(ctx context.Context) fsm.Context {
	deps := o.detector.DetectAll(ctx)
	accels := o.gpu.Probe(ctx)
	online := o.Online(ctx)

	o.loadAcceleratorMarkers()

	return o.dispatch(fsm.Action{
		Type:         fsm.ActionAppInitialized,
		Dependencies: &deps,
		Accelerators: &accels,
		Online:       online,
	})
}

// loadAcceleratorMarkers seeds CurrentAccelerators from the per-engine
// marker files.
func (o *Orchestrator) loadAcceleratorMarkers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, engine := range []string{detect.EngineSilero, detect.EngineXTTS} {
		if cfg, ok, err := accel.LoadConfig(o.cfg.Paths.ResourcesDir, engine); err == nil && ok {
			next := make(map[string]accel.Config, len(o.state.CurrentAccelerators)+1)
			for k, v := range o.state.CurrentAccelerators {
				next[k] = v
			}
			next[engine] = cfg
			o.state.CurrentAccelerators = next
		}
	}
}

// RefreshDependencies re-probes installed capability without changing
// the active state.
func (o *Orchestrator) RefreshDependencies(ctx context.Context) detect.DependencyStatus {
	deps := o.detector.DetectAll(ctx)
	o.dispatch(fsm.Action{Type: fsm.ActionDependenciesRefreshed, Dependencies: &deps})
	return deps
}

// RunSetup performs first-time setup: the default engine (with its
// runtime bootstrap folded in) installed end to end. Blocking; run it
// from a goroutine when driving a UI.
func (o *Orchestrator) RunSetup(ctx context.Context, device string) error {
	snap := o.dispatch(fsm.Action{Type: fsm.ActionStartSetup})
	if snap.State.Tag != fsm.StateSetupInstalling {
		return apperr.New(apperr.KindUnknown, "", "setup", "setup is not available in the current state")
	}

	err := o.provisioner.InstallEngine(ctx, DefaultEngine, device, o.progressFunc(fsm.ActionSetupProgress))
	if err != nil {
		o.dispatch(fsm.Action{Type: fsm.ActionSetupFailed, Err: asAppError(err, DefaultEngine, "setup")})
		return err
	}

	o.dispatch(fsm.Action{Type: fsm.ActionSetupSuccess})
	deps := o.detector.Detect()
	o.dispatch(fsm.Action{Type: fsm.ActionCompleteSetup, Dependencies: &deps})
	return nil
}

// InstallProvider installs one engine outside the setup flow.
func (o *Orchestrator) InstallProvider(ctx context.Context, engine, device string) error {
	snap := o.dispatch(fsm.Action{Type: fsm.ActionStartProviderInstall, Provider: engine})
	if snap.State.Tag != fsm.StateInstallingProvider {
		return apperr.New(apperr.KindUnknown, engine, "install", "engine installation is not available in the current state")
	}

	err := o.provisioner.InstallEngine(ctx, engine, device, o.progressFunc(fsm.ActionProviderInstallProgress))
	if err != nil {
		o.dispatch(fsm.Action{Type: fsm.ActionProviderInstallFailed, Err: asAppError(err, engine, "install")})
		return err
	}

	deps := o.detector.Detect()
	o.dispatch(fsm.Action{Type: fsm.ActionProviderInstallSuccess, Dependencies: &deps})
	return nil
}

// InstallToolchain installs the compiler toolchain. The restart-required
// outcome is reported to the caller; it is a success.
func (o *Orchestrator) InstallToolchain(ctx context.Context) (archive.InstallOutcome, error) {
	snap := o.dispatch(fsm.Action{Type: fsm.ActionStartProviderInstall, Provider: "toolchain"})
	if snap.State.Tag != fsm.StateInstallingProvider {
		return archive.InstallOK, apperr.New(apperr.KindUnknown, "toolchain", "install", "toolchain installation is not available in the current state")
	}

	outcome, err := o.provisioner.InstallToolchain(ctx, o.progressFunc(fsm.ActionProviderInstallProgress))
	if err != nil {
		o.dispatch(fsm.Action{Type: fsm.ActionProviderInstallFailed, Err: asAppError(err, "toolchain", "install")})
		return outcome, err
	}

	deps := o.detector.DetectAll(ctx)
	o.dispatch(fsm.Action{Type: fsm.ActionProviderInstallSuccess, Dependencies: &deps})
	return outcome, nil
}

// InstallVoice adds a voice to an installed engine.
func (o *Orchestrator) InstallVoice(ctx context.Context, engine, voice string) error {
	snap := o.dispatch(fsm.Action{Type: fsm.ActionStartProviderInstall, Provider: engine})
	if snap.State.Tag != fsm.StateInstallingProvider {
		return apperr.New(apperr.KindUnknown, engine, "install", "voice installation is not available in the current state")
	}

	err := o.provisioner.InstallVoice(ctx, engine, voice, o.progressFunc(fsm.ActionProviderInstallProgress))
	if err != nil {
		o.dispatch(fsm.Action{Type: fsm.ActionProviderInstallFailed, Err: asAppError(err, engine, "install")})
		return err
	}

	deps := o.detector.Detect()
	o.dispatch(fsm.Action{Type: fsm.ActionProviderInstallSuccess, Dependencies: &deps})
	return nil
}

// Accelerators reports what devices are available and what each engine
// is currently built against.
func (o *Orchestrator) Accelerators(ctx context.Context) (accel.Available, map[string]accel.Config) {
	avail := o.gpu.Probe(ctx)
	o.dispatch(fsm.Action{Type: fsm.ActionAcceleratorsRefreshed, Accelerators: &avail})

	current := map[string]accel.Config{}
	for _, engine := range []string{detect.EngineSilero, detect.EngineXTTS} {
		if cfg, ok, err := accel.LoadConfig(o.cfg.Paths.ResourcesDir, engine); err == nil && ok {
			current[engine] = cfg
		}
	}
	return avail, current
}

// ReinstallAccelerator rebuilds an engine's environment against a
// different device.
func (o *Orchestrator) ReinstallAccelerator(ctx context.Context, engine, device string) error {
	snap := o.dispatch(fsm.Action{Type: fsm.ActionStartAcceleratorReinstall, Provider: engine, Device: device})
	if snap.State.Tag != fsm.StateReinstallingAccelerator {
		return apperr.New(apperr.KindUnknown, engine, "accelerator", "accelerator reinstall is not available in the current state")
	}

	err := o.provisioner.InstallEngine(ctx, engine, device, o.progressFunc(fsm.ActionProviderInstallProgress))
	if err != nil {
		o.dispatch(fsm.Action{Type: fsm.ActionAcceleratorReinstallFailed, Err: asAppError(err, engine, "accelerator")})
		return err
	}

	cfg, _, _ := accel.LoadConfig(o.cfg.Paths.ResourcesDir, engine)
	o.dispatch(fsm.Action{Type: fsm.ActionAcceleratorReinstallSuccess, Accelerator: &cfg})
	return nil
}

// FallBackToCPU resolves a toolkit error by rebuilding the engine on the
// CPU device. The CPU config is recorded only if that rebuild succeeds.
func (o *Orchestrator) FallBackToCPU(ctx context.Context, engine string) error {
	o.dispatch(fsm.Action{Type: fsm.ActionFallBackToCPU})
	return o.ReinstallAccelerator(ctx, engine, accel.DeviceCPU)
}

// StartServer brings the inference server up and returns a client.
func (o *Orchestrator) StartServer(ctx context.Context) (*inference.Client, error) {
	return o.supervisor.Start(ctx)
}

// StopServer shuts the inference server down.
func (o *Orchestrator) StopServer(ctx context.Context) error {
	return o.supervisor.Stop(ctx)
}

// DismissError returns from any error state to idle.
func (o *Orchestrator) DismissError() fsm.Context {
	return o.dispatch(fsm.Action{Type: fsm.ActionDismissError})
}

// OpenSetup returns to the setup screen, e.g. after an installation-
// related failure.
func (o *Orchestrator) OpenSetup() fsm.Context {
	return o.dispatch(fsm.Action{Type: fsm.ActionOpenSetup})
}

// SetOnline reports a connectivity change.
func (o *Orchestrator) SetOnline(online bool) fsm.Context {
	return o.dispatch(fsm.Action{Type: fsm.ActionNetworkStatusChanged, Online: online})
}

// MonitorNetwork polls connectivity until ctx ends, reporting changes
// into the state machine.
func (o *Orchestrator) MonitorNetwork(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := o.State().IsOnline
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := o.Online(ctx)
			if online != last {
				last = online
				o.log.Info("network status changed", "online", online)
				o.SetOnline(online)
			}
		}
	}
}

// progressFunc bridges a provisioning progress callback into throttled
// FSM actions.
func (o *Orchestrator) progressFunc(action fsm.ActionType) progress.Func {
	return progress.Throttle(func(ev progress.Event) {
		o.dispatch(fsm.Action{
			Type:     action,
			Progress: ev.Percent,
			Stage:    ev.Stage,
			Detail:   ev.Detail,
		})
	}, 100*time.Millisecond)
}

// asAppError guarantees every failure that reaches the state machine is
// typed.
func asAppError(err error, provider, stage string) *apperr.Error {
	return apperr.Wrap(err, provider, stage)
}

// probeOnline is the default connectivity check: a TCP dial to a
// well-known resolver, no HTTP involved.
func probeOnline(ctx context.Context) bool {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", "1.1.1.1:443")
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
