package telemetry

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewZapLogger builds a SugaredLogger writing to the given file with
// rotation, mirrored to stderr. An empty path logs to stderr only.
func NewZapLogger(filePath string) (*zap.SugaredLogger, func(), error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewConsoleEncoder(encCfg)

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if filePath != "" {
		lj := &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
		}
		sinks = append(sinks, zapcore.AddSync(lj))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), zapcore.InfoLevel)
	logger := zap.New(core, zap.AddCaller())
	sugar := logger.Sugar()
	flush := func() { _ = sugar.Sync() }
	return sugar, flush, nil
}

// WrapZap adapts a SugaredLogger to the Logger interface used by
// server components.
func WrapZap(logger *zap.SugaredLogger) Logger {
	return &zapAdapter{logger: logger}
}

type zapAdapter struct {
	logger *zap.SugaredLogger
}

func (z *zapAdapter) Printf(format string, args ...any) {
	if z == nil || z.logger == nil {
		return
	}
	z.logger.Infof(format, args...)
}
