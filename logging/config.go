package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// Config selects the outputs and encoding of the daemon log. Keys are
// kebab-case under the "log" section of the daemon configuration.
type Config struct {
	Level        string `mapstructure:"level" json:"level" yaml:"level"`
	Format       string `mapstructure:"format" json:"format" yaml:"format"` // json or console
	// LevelEncoder is lowercase, capital, lowercase-color or capital-color.
	LevelEncoder string `mapstructure:"level-encoder" json:"levelEncoder" yaml:"level-encoder"`
	TimeFormat   string `mapstructure:"time-format" json:"timeFormat" yaml:"time-format"`
	Caller       bool   `mapstructure:"caller" json:"caller" yaml:"caller"`

	Stdout bool `mapstructure:"stdout" json:"stdout" yaml:"stdout"`

	// File output goes to Dir/plugind.log, with a copy of errors in
	// Dir/error.log. Both rotate by size and age.
	File       bool   `mapstructure:"file" json:"file" yaml:"file"`
	Dir        string `mapstructure:"dir" json:"dir" yaml:"dir"`
	MaxSizeMB  int    `mapstructure:"max-size-mb" json:"maxSizeMb" yaml:"max-size-mb"`
	MaxAgeDays int    `mapstructure:"max-age-days" json:"maxAgeDays" yaml:"max-age-days"`
	MaxBackups int    `mapstructure:"max-backups" json:"maxBackups" yaml:"max-backups"`
	Compress   bool   `mapstructure:"compress" json:"compress" yaml:"compress"`
}

func DefaultConfig() Config {
	return Config{
		Level:        "info",
		Format:       "json",
		LevelEncoder: "lowercase",
		TimeFormat:   "2006-01-02T15:04:05.000Z0700",
		Caller:       true,
		Stdout:       true,
		Dir:          "logs",
		MaxSizeMB:    100,
		MaxAgeDays:   7,
		MaxBackups:   10,
		Compress:     true,
	}
}

// ZapLevel parses Level. Unknown names are Info.
func (c Config) ZapLevel() zapcore.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (c Config) levelEncoder() zapcore.LevelEncoder {
	switch strings.ToLower(c.LevelEncoder) {
	case "lowercase-color":
		return zapcore.LowercaseColorLevelEncoder
	case "capital":
		return zapcore.CapitalLevelEncoder
	case "capital-color":
		return zapcore.CapitalColorLevelEncoder
	default:
		return zapcore.LowercaseLevelEncoder
	}
}

// applyDefaults fills fields a partial configuration left empty.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&c.Level, d.Level)
	fill(&c.Format, d.Format)
	fill(&c.TimeFormat, d.TimeFormat)
	fill(&c.Dir, d.Dir)
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = d.MaxSizeMB
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = d.MaxAgeDays
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = d.MaxBackups
	}
}
