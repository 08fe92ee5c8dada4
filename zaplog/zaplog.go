// Package zaplog builds zap loggers from daemon configuration and
// adapts them to the bottleneck.Logger interface.
package zaplog

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentstation/bottleneck"
	"github.com/agentstation/bottleneck/config"
)

// New builds a zap.Logger from the log configuration. File outputs are
// rotated with lumberjack. The caller should defer logger.Sync().
func New(c config.LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.Level) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}

	var encoder zapcore.Encoder
	if strings.ToLower(c.Format) == "console" {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	var cores []zapcore.Core
	for _, out := range outputs {
		var ws zapcore.WriteSyncer
		switch strings.ToLower(out) {
		case "stdout":
			ws = zapcore.AddSync(os.Stdout)
		case "stderr":
			ws = zapcore.AddSync(os.Stderr)
		default:
			if dir := filepath.Dir(out); dir != "." {
				_ = os.MkdirAll(dir, 0o750)
			}
			ws = zapcore.AddSync(&lumberjack.Logger{
				Filename:   out,
				MaxSize:    orDefault(c.MaxSizeMB, 10),
				MaxBackups: orDefault(c.MaxBackups, 3),
				MaxAge:     orDefault(c.MaxAgeDays, 7),
				Compress:   true,
			})
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	logger := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	)
	return logger, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Adapter exposes a zap logger through the bottleneck.Logger interface.
type Adapter struct {
	sugar *zap.SugaredLogger
}

// NewAdapter wraps a zap logger for use by executors and routers.
func NewAdapter(logger *zap.Logger) *Adapter {
	// Skip one frame so call sites inside the executor are reported.
	return &Adapter{sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

var _ bottleneck.Logger = (*Adapter)(nil)

func (a *Adapter) Debug(msg string, keysAndValues ...any) {
	a.sugar.Debugw(msg, keysAndValues...)
}

func (a *Adapter) Info(msg string, keysAndValues ...any) {
	a.sugar.Infow(msg, keysAndValues...)
}

func (a *Adapter) Error(msg string, keysAndValues ...any) {
	a.sugar.Errorw(msg, keysAndValues...)
}
