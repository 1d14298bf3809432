// Package logging constructs sentineld's structured log sink.
//
// This is the concrete realization of the "Log sink" collaborator from
// spec.md §6: printf-style records at severity INFO|WARN|ERROR, thread-safe,
// owning its own rotation policy is left to the operator (systemd/journald
// or logrotate on the JSON file depending on deployment). The core treats
// it as write-only, the same contract spec.md describes.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger for the given environment.
// env == "dev" uses a human-readable console encoder; anything else
// (including empty) uses JSON, suitable for journald/log aggregation.
// SENTINEL_LOG_LEVEL overrides the default info level (debug|info|warn|error).
func New(env string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if env == "dev" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	if lvl := os.Getenv("SENTINEL_LOG_LEVEL"); lvl != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(lvl))
		if err != nil {
			return nil, fmt.Errorf("invalid SENTINEL_LOG_LEVEL %q: %w", lvl, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// Noop returns a logger that discards everything, for tests.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
