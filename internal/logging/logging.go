// Package logging builds the zap loggers used across optibot.
// Components never share a global logger; they receive a named child
// logger at construction time.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls root logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// Development switches to the console encoder with human-readable
	// timestamps. Production (default) emits JSON.
	Development bool
}

// New builds the root logger.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	var config zap.Config
	if opts.Development {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// Named returns a child logger for a component. Nil-safe so tests can
// pass a zero value and construct components without wiring zap.
func Named(logger *zap.Logger, component string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named(component)
}
