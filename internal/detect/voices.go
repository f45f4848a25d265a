package detect

import (
	"context"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"
)

// VoiceEnumerator lists the OS speech voices, one name per line.
type VoiceEnumerator func(ctx context.Context) (string, error)

// SystemVoices queries the OS speech registry and returns the installed
// voice names. A machine without a reachable registry yields an empty
// list.
func (d *Detector) SystemVoices(ctx context.Context) []string {
	return d.enumerateVoices(ctx)
}

// enumerateVoices queries the system voice registry and deduplicates the
// result. A machine without the speech registry yields an empty list, not
// an error: absence of the engine is a normal state.
func (d *Detector) enumerateVoices(ctx context.Context) []string {
	enum := d.VoiceEnum
	if enum == nil {
		enum = systemVoices
	}

	out, err := enum(ctx)
	if err != nil {
		return nil
	}

	seen := map[string]bool{}
	var voices []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		voices = append(voices, name)
	}
	sort.Strings(voices)
	return voices
}

// systemVoices shells out to the platform scripting shell. Only Windows
// exposes the screen-reader voice registry this way; elsewhere the
// enumeration is empty.
func systemVoices(ctx context.Context) (string, error) {
	if runtime.GOOS != "windows" {
		return "", nil
	}
	runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	const script = "Add-Type -AssemblyName System.Speech; " +
		"(New-Object System.Speech.Synthesis.SpeechSynthesizer).GetInstalledVoices() | " +
		"ForEach-Object { $_.VoiceInfo.Name }"
	out, err := exec.CommandContext(runCtx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
