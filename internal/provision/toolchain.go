package provision

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/example/bookvoice/internal/apperr"
	"github.com/example/bookvoice/internal/archive"
	"github.com/example/bookvoice/internal/progress"
)

// buildToolsInstallerURL is the evergreen bootstrapper for the C++ build
// tools; the bootstrapper resolves the actual payload itself.
const buildToolsInstallerURL = "https://aka.ms/vs/17/release/vs_BuildTools.exe"

// buildToolsArgs install the C++ workload silently. --wait keeps the
// bootstrapper alive until the nested installer finishes, otherwise the
// exit code is meaningless.
var buildToolsArgs = []string{
	"--quiet", "--wait", "--norestart",
	"--add", "Microsoft.VisualStudio.Workload.VCTools",
	"--includeRecommended",
}

// InstallToolchain downloads and silently installs the compiler
// toolchain. It runs under the long timeout: a full build-tools install
// takes on the order of an hour. A restart-required exit is a
// distinguished success, not a failure.
func (p *Provisioner) InstallToolchain(ctx context.Context, fn progress.Func) (archive.InstallOutcome, error) {
	if fn == nil {
		fn = progress.Discard
	}
	if p.GOOS != "windows" {
		return archive.InstallOK, apperr.New(apperr.KindInstallation, "toolchain", StagePrereqs,
			fmt.Sprintf("compiler toolchain install is not supported on %s", p.GOOS))
	}

	fn(progress.Event{Stage: StagePrereqs, Percent: 0, Detail: "Checking for existing toolchain"})
	if _, err := p.Toolchain.Find(ctx); err == nil {
		fn(progress.Event{Stage: StageComplete, Percent: 100, Detail: "Toolchain already installed"})
		return archive.InstallOK, nil
	}

	var clean cleaner
	installerPath := filepath.Join(p.downloadsDir(), "vs_BuildTools.exe")
	clean.add(installerPath)

	if err := p.Fetch(ctx, buildToolsInstallerURL, installerPath, progress.Scale(stageAs(fn, StageDownload), 0, 20)); err != nil {
		return archive.InstallOK, clean.fail(apperr.Wrap(err, "toolchain", StageDownload))
	}

	// The bootstrapper reports nothing machine-readable while it runs;
	// the bar parks below completion until the process exits.
	fn(progress.Event{Stage: StageInstall, Percent: 25, Detail: "Installing build tools (this can take up to an hour)"})
	p.Logger.Info("running toolchain installer", "path", installerPath, "timeout", p.ToolchainTimeout)
	outcome, err := p.RunInstaller(ctx, installerPath, buildToolsArgs, p.ToolchainTimeout)
	if err != nil {
		return archive.InstallOK, clean.fail(apperr.Wrap(err, "toolchain", StageInstall))
	}

	fn(progress.Event{Stage: StageVerify, Percent: 90, Detail: "Verifying toolchain"})
	if outcome == archive.InstallOK {
		if _, err := p.Toolchain.Find(ctx); err != nil {
			return archive.InstallOK, clean.fail(apperr.Toolkit("toolchain", StageVerify,
				"build tools installer finished but no toolchain was found", BuildToolsURL))
		}
	}

	clean.run()
	detail := "Toolchain installed"
	if outcome == archive.InstallRestartRequired {
		detail = "Toolchain installed; restart required"
	}
	fn(progress.Event{Stage: StageComplete, Percent: 100, Detail: detail})
	return outcome, nil
}
