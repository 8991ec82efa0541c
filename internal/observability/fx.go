package observability

import (
	"context"

	"github.com/smallbiznis/unprice/internal/config"
	"github.com/smallbiznis/unprice/internal/observability/logger"
	"github.com/smallbiznis/unprice/internal/observability/metrics"
	"github.com/smallbiznis/unprice/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideLoggerConfig,
		logger.New,
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
	),
	fx.Invoke(registerHooks),
)

func provideLoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	}
}

func provideMetricsConfig(cfg Config, appCfg config.Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
		Colo:             appCfg.Colo,
	}
}

func registerHooks(lc fx.Lifecycle, cfg Config, log *zap.Logger) {
	ctxlogger.SetServiceName(cfg.ServiceName)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = ctx
			_ = log.Sync()
			return nil
		},
	})
}
