package fsm

import (
	"github.com/example/bookvoice/internal/accel"
	"github.com/example/bookvoice/internal/apperr"
	"github.com/example/bookvoice/internal/detect"
)

// ActionType names a transition request.
type ActionType string

const (
	ActionAppInitialized ActionType = "APP_INITIALIZED"

	ActionStartSetup    ActionType = "START_SETUP"
	ActionSetupProgress ActionType = "SETUP_PROGRESS"
	ActionSetupSuccess  ActionType = "SETUP_SUCCESS"
	ActionSetupFailed   ActionType = "SETUP_FAILED"
	ActionCompleteSetup ActionType = "COMPLETE_SETUP"
	ActionRetrySetup    ActionType = "RETRY_SETUP"
	ActionOpenSetup     ActionType = "OPEN_SETUP"

	ActionStartConversion    ActionType = "START_CONVERSION"
	ActionConversionProgress ActionType = "CONVERSION_PROGRESS"
	ActionConversionSuccess  ActionType = "CONVERSION_SUCCESS"
	ActionConversionFailed   ActionType = "CONVERSION_FAILED"
	ActionCancelConversion   ActionType = "CANCEL_CONVERSION"
	ActionRetryConversion    ActionType = "RETRY_CONVERSION"

	ActionStartProviderInstall    ActionType = "START_PROVIDER_INSTALL"
	ActionProviderInstallProgress ActionType = "PROVIDER_INSTALL_PROGRESS"
	ActionProviderInstallSuccess  ActionType = "PROVIDER_INSTALL_SUCCESS"
	ActionProviderInstallFailed   ActionType = "PROVIDER_INSTALL_FAILED"

	ActionStartAcceleratorReinstall   ActionType = "START_ACCELERATOR_REINSTALL"
	ActionAcceleratorReinstallSuccess ActionType = "ACCELERATOR_REINSTALL_SUCCESS"
	ActionAcceleratorReinstallFailed  ActionType = "ACCELERATOR_REINSTALL_FAILED"
	ActionFallBackToCPU               ActionType = "FALL_BACK_TO_CPU"

	ActionDismissError ActionType = "DISMISS_ERROR"

	ActionNetworkStatusChanged  ActionType = "NETWORK_STATUS_CHANGED"
	ActionDependenciesRefreshed ActionType = "DEPENDENCIES_REFRESHED"
	ActionAcceleratorsRefreshed ActionType = "ACCELERATORS_REFRESHED"
)

// Action carries a transition request. Only the fields relevant to Type
// are read; the rest stay zero.
type Action struct {
	Type ActionType

	Progress int
	Stage    string
	Detail   string

	Err *apperr.Error

	Provider   string
	Device     string
	OutputPath string
	Online     bool

	Dependencies *detect.DependencyStatus
	Accelerators *accel.Available
	Accelerator  *accel.Config
}

// allowedStates restricts which source states each action may fire from.
// An absent entry means the action is legal everywhere. An action arriving
// in a state not listed here is dropped without effect.
var allowedStates = map[ActionType][]StateTag{
	ActionAppInitialized: {StateLoading},

	ActionStartSetup:    {StateSetupRequired, StateSetupError},
	ActionSetupProgress: {StateSetupInstalling},
	ActionSetupSuccess:  {StateSetupInstalling},
	ActionSetupFailed:   {StateSetupInstalling},
	ActionCompleteSetup: {StateSetupComplete},
	ActionRetrySetup:    {StateSetupError},
	ActionOpenSetup:     {StateReady, StateOffline, StateProviderError, StateConversionError, StateToolkitError},

	ActionStartConversion:    {StateReady, StateOffline},
	ActionConversionProgress: {StateConverting},
	ActionConversionSuccess:  {StateConverting},
	ActionConversionFailed:   {StateConverting},
	ActionCancelConversion:   {StateConverting},
	ActionRetryConversion:    {StateConversionError},

	ActionStartProviderInstall:    {StateReady, StateOffline, StateProviderError},
	ActionProviderInstallProgress: {StateInstallingProvider, StateReinstallingAccelerator},
	ActionProviderInstallSuccess:  {StateInstallingProvider},
	ActionProviderInstallFailed:   {StateInstallingProvider},

	ActionStartAcceleratorReinstall:   {StateReady, StateOffline, StateToolkitError, StateProviderError},
	ActionAcceleratorReinstallSuccess: {StateReinstallingAccelerator},
	ActionAcceleratorReinstallFailed:  {StateReinstallingAccelerator},
	ActionFallBackToCPU:               {StateToolkitError},

	ActionDismissError: {StateSetupError, StateConversionError, StateProviderError, StateToolkitError},
}

// allowed reports whether the action may fire from the given state.
func allowed(t ActionType, tag StateTag) bool {
	states, restricted := allowedStates[t]
	if !restricted {
		return true
	}
	for _, s := range states {
		if s == tag {
			return true
		}
	}
	return false
}
