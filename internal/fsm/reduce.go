package fsm

import "github.com/example/bookvoice/internal/apperr"

// Reduce applies one action to a context and returns the resulting
// context. It is pure: no I/O, no clocks, no mutation of the input.
// Actions arriving in a state they are not allowed in return the input
// unchanged.
func Reduce(ctx Context, a Action) Context {
	if !allowed(a.Type, ctx.State.Tag) {
		return ctx
	}

	switch a.Type {
	case ActionAppInitialized:
		if a.Dependencies != nil {
			ctx.Dependencies = *a.Dependencies
		}
		if a.Accelerators != nil {
			ctx.Accelerators = *a.Accelerators
		}
		ctx.IsOnline = a.Online
		if needsSetup(ctx) {
			ctx.State = State{Tag: StateSetupRequired}
		} else {
			ctx.State = idle(ctx)
		}
		return ctx

	case ActionStartSetup, ActionRetrySetup:
		ctx.State = State{Tag: StateSetupInstalling}
		return ctx

	case ActionSetupProgress:
		ctx.State = advance(ctx.State, a)
		return ctx

	case ActionSetupSuccess:
		ctx.State = State{Tag: StateSetupComplete, Progress: 100}
		return ctx

	case ActionSetupFailed:
		ctx.ErrorHistory = appendError(ctx.ErrorHistory, a.Err)
		ctx.State = State{Tag: StateSetupError, Err: a.Err}
		return ctx

	case ActionCompleteSetup:
		if a.Dependencies != nil {
			ctx.Dependencies = *a.Dependencies
		}
		ctx.State = idle(ctx)
		return ctx

	case ActionOpenSetup:
		ctx.State = State{Tag: StateSetupRequired}
		return ctx

	case ActionStartConversion:
		ctx.LastOutputPath = a.OutputPath
		ctx.State = State{Tag: StateConverting}
		return ctx

	case ActionConversionProgress:
		ctx.State = advance(ctx.State, a)
		return ctx

	case ActionConversionSuccess, ActionCancelConversion:
		// Cancellation lands in the same place as success; the partial
		// output has already been removed by the worker.
		ctx.State = idle(ctx)
		return ctx

	case ActionConversionFailed:
		ctx.ErrorHistory = appendError(ctx.ErrorHistory, a.Err)
		ctx.State = State{Tag: StateConversionError, Err: a.Err}
		return ctx

	case ActionRetryConversion:
		if ctx.LastOutputPath == "" {
			// Nothing to replay, e.g. after a restart. Settle in idle
			// instead of starting a conversion with no destination.
			ctx.State = idle(ctx)
			return ctx
		}
		ctx.State = State{Tag: StateConverting}
		return ctx

	case ActionStartProviderInstall:
		ctx.State = State{Tag: StateInstallingProvider, Provider: a.Provider}
		return ctx

	case ActionProviderInstallProgress:
		ctx.State = advance(ctx.State, a)
		return ctx

	case ActionProviderInstallSuccess:
		if a.Dependencies != nil {
			ctx.Dependencies = *a.Dependencies
		}
		ctx.State = idle(ctx)
		return ctx

	case ActionProviderInstallFailed:
		ctx.ErrorHistory = appendError(ctx.ErrorHistory, a.Err)
		ctx.State = errorStateFor(a.Err, ctx.State.Provider)
		return ctx

	case ActionStartAcceleratorReinstall:
		ctx.State = State{Tag: StateReinstallingAccelerator, Provider: a.Provider, Detail: a.Device}
		return ctx

	case ActionAcceleratorReinstallSuccess:
		if a.Accelerator != nil && ctx.State.Provider != "" {
			ctx.CurrentAccelerators = withAccelerator(ctx.CurrentAccelerators, ctx.State.Provider, *a.Accelerator)
		}
		ctx.State = idle(ctx)
		return ctx

	case ActionAcceleratorReinstallFailed:
		// A missing CUDA toolkit surfaces as TOOLKIT_ERROR even when it
		// was discovered mid-reinstall.
		ctx.ErrorHistory = appendError(ctx.ErrorHistory, a.Err)
		ctx.State = errorStateFor(a.Err, ctx.State.Provider)
		return ctx

	case ActionFallBackToCPU:
		// Nothing is recorded here: the CPU config lands in
		// CurrentAccelerators only when the reinstall it triggers
		// succeeds.
		ctx.State = idle(ctx)
		return ctx

	case ActionDismissError:
		ctx.State = idle(ctx)
		return ctx

	case ActionNetworkStatusChanged:
		ctx.IsOnline = a.Online
		// Only the idle faces track connectivity; everything in flight
		// keeps running.
		if isIdle(ctx.State.Tag) {
			ctx.State = idle(ctx)
		}
		return ctx

	case ActionDependenciesRefreshed:
		if a.Dependencies != nil {
			ctx.Dependencies = *a.Dependencies
		}
		return ctx

	case ActionAcceleratorsRefreshed:
		if a.Accelerators != nil {
			ctx.Accelerators = *a.Accelerators
		}
		return ctx
	}

	return ctx
}

// needsSetup reports whether first-run provisioning is required: no
// embedded runtime, or a runtime with no usable local engine.
func needsSetup(ctx Context) bool {
	d := ctx.Dependencies
	if !d.RuntimeInstalled {
		return true
	}
	return !d.SileroInstalled && !d.XTTSInstalled && !d.PiperInstalled
}

// advance folds a progress action into an in-progress state. Within a
// stage the percentage never moves backwards; a stage change may reset it
// because each stage reports its own scale.
func advance(s State, a Action) State {
	next := s
	if a.Stage != "" && a.Stage != s.Stage {
		next.Stage = a.Stage
		next.Progress = a.Progress
	} else {
		if a.Progress > next.Progress {
			next.Progress = a.Progress
		}
	}
	if a.Detail != "" {
		next.Detail = a.Detail
	}
	return next
}

// errorStateFor routes an install failure to TOOLKIT_ERROR when the
// accelerator toolkit is the culprit and to PROVIDER_ERROR otherwise.
func errorStateFor(err *apperr.Error, provider string) State {
	if err != nil && err.Kind == apperr.KindToolkit {
		return State{Tag: StateToolkitError, Provider: provider, Err: err}
	}
	return State{Tag: StateProviderError, Provider: provider, Err: err}
}
