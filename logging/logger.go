package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger every subsystem accepts. Children created
// with With or Named share the parent's level.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)

	With(fields ...zap.Field) Logger
	Named(name string) Logger

	// SetLevel changes the minimum level of a logger built by NewLogger and
	// of all its children. Other loggers ignore it.
	SetLevel(level zapcore.Level)

	Zap() *zap.Logger
	Sync() error
}

type zapLogger struct {
	zl    *zap.Logger
	level *zap.AtomicLevel
}

// NewLogger builds the terminal and rotating file cores described by config.
func NewLogger(config Config) Logger {
	config.applyDefaults()

	level := zap.NewAtomicLevelAt(config.ZapLevel())
	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	return &zapLogger{
		zl:    zap.New(zapcore.NewTee(buildCores(config, level)...), opts...),
		level: &level,
	}
}

// FromZap wraps zl. A nil zl discards everything.
func FromZap(zl *zap.Logger) Logger {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &zapLogger{zl: zl}
}

func Nop() Logger {
	return FromZap(nil)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}

func (l *zapLogger) Debug(msg string, fields ...zap.Field) { l.zl.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...zap.Field)  { l.zl.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...zap.Field)  { l.zl.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...zap.Field) { l.zl.Error(msg, fields...) }

func (l *zapLogger) With(fields ...zap.Field) Logger {
	return l.derive(l.zl.With(fields...))
}

func (l *zapLogger) Named(name string) Logger {
	return l.derive(l.zl.Named(name))
}

func (l *zapLogger) derive(zl *zap.Logger) *zapLogger {
	return &zapLogger{zl: zl, level: l.level}
}

func (l *zapLogger) SetLevel(level zapcore.Level) {
	if l.level != nil {
		l.level.SetLevel(level)
	}
}

func (l *zapLogger) Zap() *zap.Logger { return l.zl }

func (l *zapLogger) Sync() error { return l.zl.Sync() }

var _ Logger = (*zapLogger)(nil)
