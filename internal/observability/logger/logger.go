package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Level       string
	Format      string
}

// New builds a structured zap.Logger and replaces the global logger.
func New(cfg Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = "json"
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
	}
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	if err := zapCfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}

	logger = logger.With(
		zap.String("service", cfg.ServiceName),
		zap.String("env", cfg.Environment),
		zap.String("version", cfg.Version),
	)

	zap.ReplaceGlobals(logger)
	return logger, nil
}
