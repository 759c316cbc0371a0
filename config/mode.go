package config

import (
	"os"
	"strings"
)

// ModeEnv selects the mode when Options.Mode is empty.
const ModeEnv = "PLUGIND_MODE"

// Mode picks which per-environment files are layered over the base file.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
	ModeTest        Mode = "test"
)

// ParseMode normalizes a mode name. Unknown or empty names are Development.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod", "pro":
		return ModeProduction
	case "test", "testing":
		return ModeTest
	default:
		return ModeDevelopment
	}
}

// ModeFromEnv reads ModeEnv.
func ModeFromEnv() Mode {
	return ParseMode(os.Getenv(ModeEnv))
}

// suffixes are the file name suffixes loaded for m, most general first.
func (m Mode) suffixes() []string {
	switch m {
	case ModeProduction:
		return []string{"production", "prod"}
	case ModeTest:
		return []string{"test"}
	default:
		return []string{"development", "dev"}
	}
}
