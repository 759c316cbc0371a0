package logging

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	mainLogFile  = "plugind.log"
	errorLogFile = "error.log"
)

func timeEncoder(config Config) zapcore.TimeEncoder {
	return func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(config.TimeFormat))
	}
}

func newEncoder(config Config) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "ts",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    config.levelEncoder(),
		EncodeTime:     timeEncoder(config),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	if config.Format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	return zapcore.NewConsoleEncoder(ec)
}

func rotatingWriter(config Config, name string) zapcore.WriteSyncer {
	_ = os.MkdirAll(config.Dir, 0o755)
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(config.Dir, name),
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
		LocalTime:  true,
	})
}

// buildCores returns the terminal core and, when enabled, the rotating file
// cores. error.log only receives entries at ErrorLevel and above.
func buildCores(config Config, level zap.AtomicLevel) []zapcore.Core {
	errorsOnly := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.ErrorLevel && level.Enabled(l)
	})

	enc := newEncoder(config)
	cores := make([]zapcore.Core, 0, 3)
	if config.Stdout {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level))
	}
	if config.File {
		cores = append(cores,
			zapcore.NewCore(enc.Clone(), rotatingWriter(config, mainLogFile), level),
			zapcore.NewCore(enc.Clone(), rotatingWriter(config, errorLogFile), errorsOnly),
		)
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewNopCore())
	}
	return cores
}
