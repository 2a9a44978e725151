package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a configured level name to a zap level. An empty name means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", level)
	}
}

// NewLogger returns a zap logger configured for structured production logging.
// Unknown level names fall back to info and are reported once on the new logger.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	parsed, parseErr := ParseLevel(level)
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	logger, err := cfg.Build(zap.Fields(zap.String("service", "dm-api")))
	if err != nil {
		return nil, err
	}
	if parseErr != nil {
		logger.Warn("falling back to info level", zap.Error(parseErr))
	}
	return logger, nil
}
