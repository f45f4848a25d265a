package archive

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// InstallOutcome distinguishes normal success from "succeeded but the
// machine must restart before the component is usable".
type InstallOutcome int

const (
	InstallOK InstallOutcome = iota
	InstallRestartRequired
)

// Installer exit codes that mean success-with-reboot rather than failure
// (msiexec ERROR_SUCCESS_REBOOT_REQUIRED / ERROR_SUCCESS_REBOOT_INITIATED).
var restartExitCodes = map[int]bool{3010: true, 1641: true}

// RunSilentInstaller executes a native installer with UI suppressed and
// blocks until it finishes or timeout elapses, after which the process is
// killed and the run treated as failure.
func RunSilentInstaller(ctx context.Context, path string, args []string, timeout time.Duration) (InstallOutcome, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, path, args...)
	err := cmd.Run()
	if err == nil {
		return InstallOK, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return InstallOK, fmt.Errorf("installer %s timed out after %s", path, timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && restartExitCodes[exitErr.ExitCode()] {
		return InstallRestartRequired, nil
	}
	return InstallOK, fmt.Errorf("installer %s failed: %w", path, err)
}
