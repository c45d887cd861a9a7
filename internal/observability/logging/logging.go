package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the root logger's verbosity and encoding.
type Config struct {
	Level    string // debug, info, warn, error; default info
	Encoding string // json or console; default json
}

// New builds the root logger. Components receive named children via
// Component so every line carries its origin.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		parsed, err := zapcore.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid logging level %q", cfg.Level)
		}
		level = parsed
	}

	encoding := strings.TrimSpace(cfg.Encoding)
	if encoding == "" {
		encoding = "json"
	}
	if encoding != "json" && encoding != "console" {
		return nil, fmt.Errorf("invalid logging encoding %q", cfg.Encoding)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Encoding = encoding
	zapCfg.DisableStacktrace = true
	if encoding == "console" {
		zapCfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Component returns a named child logger. A nil root yields a nop logger
// so constructors stay quiet in tests.
func Component(root *zap.Logger, name string) *zap.Logger {
	if root == nil {
		return zap.NewNop()
	}
	return root.Named(name)
}
