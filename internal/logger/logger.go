// Package logger builds the process-wide zap logger from config.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langdb/aigateway/internal/config"
)

var log *zap.Logger

// Initialize builds the root logger from config. The level accepts the
// usual zap names plus rust-style filters like "debug,hyper=info"; only
// the leading level is honored.
func Initialize(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	log = logger
	return logger, nil
}

func parseLevel(level string) zapcore.Level {
	level = strings.ToLower(level)
	if i := strings.IndexAny(level, ", "); i >= 0 {
		level = level[:i]
	}
	switch level {
	case "trace", "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "fatal":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// Get returns the root logger, building a production default if
// Initialize was never called.
func Get() *zap.Logger {
	if log == nil {
		logger, _ := zap.NewProduction()
		log = logger
	}
	return log
}

// Sync flushes buffered log entries.
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}
