// Package fsm holds the application state machine: a pure reducer over an
// immutable context. It is the single source of truth for UI-relevant
// state; provisioning and inference components feed it actions and never
// mutate it directly.
package fsm

import (
	"github.com/example/bookvoice/internal/accel"
	"github.com/example/bookvoice/internal/apperr"
	"github.com/example/bookvoice/internal/detect"
)

// StateTag identifies which mutually-exclusive UI mode is active.
type StateTag string

const (
	StateLoading                 StateTag = "LOADING"
	StateSetupRequired           StateTag = "SETUP_REQUIRED"
	StateSetupInstalling         StateTag = "SETUP_INSTALLING"
	StateSetupComplete           StateTag = "SETUP_COMPLETE"
	StateSetupError              StateTag = "SETUP_ERROR"
	StateReady                   StateTag = "READY"
	StateOffline                 StateTag = "OFFLINE"
	StateConverting              StateTag = "CONVERTING"
	StateConversionError         StateTag = "CONVERSION_ERROR"
	StateInstallingProvider      StateTag = "INSTALLING_PROVIDER"
	StateProviderError           StateTag = "PROVIDER_ERROR"
	StateReinstallingAccelerator StateTag = "REINSTALLING_ACCELERATOR"
	StateToolkitError            StateTag = "TOOLKIT_ERROR"
)

// State is the active variant plus its payload. Which fields are
// meaningful depends on Tag: Progress/Stage/Detail for in-progress
// states, Err for error states, Provider for provider-scoped states.
type State struct {
	Tag      StateTag
	Progress int
	Stage    string
	Detail   string
	Provider string
	Err      *apperr.Error
}

// Context wraps the active state with the persisted cross-cutting data
// every transition can read. Transitions return a new Context; nothing is
// mutated in place.
type Context struct {
	State State

	Dependencies detect.DependencyStatus
	Accelerators accel.Available
	// CurrentAccelerators maps engine name to the accelerator its runtime
	// was installed against.
	CurrentAccelerators map[string]accel.Config

	IsOnline bool

	// LastOutputPath remembers the previous conversion's destination so a
	// retry can replay it. Empty after a reload.
	LastOutputPath string

	// ErrorHistory is append-only diagnostics. Transitions never read it.
	ErrorHistory []*apperr.Error
}

// maxErrorHistory bounds the diagnostics list.
const maxErrorHistory = 25

// NewContext returns the process-start context: LOADING, offline-unknown
// treated as online until the first network report.
func NewContext() Context {
	return Context{
		State:               State{Tag: StateLoading},
		CurrentAccelerators: map[string]accel.Config{},
		IsOnline:            true,
	}
}

// idle picks the correct "idle, usable" state for the stored network
// flag. Every transition that lands in idle goes through here; READY vs
// OFFLINE is never decided anywhere else.
func idle(ctx Context) State {
	if ctx.IsOnline {
		return State{Tag: StateReady}
	}
	return State{Tag: StateOffline}
}

// isIdle reports whether the tag is one of the two idle faces.
func isIdle(tag StateTag) bool {
	return tag == StateReady || tag == StateOffline
}

// appendError returns a copy of the history with e appended, dropping the
// oldest entry past the bound. The input slice is never mutated.
func appendError(history []*apperr.Error, e *apperr.Error) []*apperr.Error {
	if e == nil {
		return history
	}
	out := make([]*apperr.Error, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, e)
	if len(out) > maxErrorHistory {
		out = out[len(out)-maxErrorHistory:]
	}
	return out
}

// withAccelerator returns a copy of the map with engine's config
// replaced.
func withAccelerator(m map[string]accel.Config, engine string, cfg accel.Config) map[string]accel.Config {
	out := make(map[string]accel.Config, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[engine] = cfg
	return out
}
