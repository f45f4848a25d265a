package config

import (
	"fmt"
	"strings"
)

const (
	EngineSilero = "silero"
	EngineXTTS   = "xtts"
	EnginePiper  = "piper"
	EngineSAPI   = "sapi"
)

// NormalizeEngine canonicalizes an engine name from flags or requests.
func NormalizeEngine(raw string) (string, error) {
	engine := strings.ToLower(strings.TrimSpace(raw))
	switch engine {
	case EngineSilero, EngineXTTS, EnginePiper, EngineSAPI:
		return engine, nil
	default:
		return "", fmt.Errorf(
			"invalid engine %q (expected %s|%s|%s|%s)",
			raw,
			EngineSilero,
			EngineXTTS,
			EnginePiper,
			EngineSAPI,
		)
	}
}
