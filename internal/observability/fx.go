// Package observability wires logging, tracing and metrics for the processor.
package observability

import (
	"context"

	"github.com/smallbiznis/shadowfiend/internal/observability/logger"
	"github.com/smallbiznis/shadowfiend/internal/observability/metrics"
	"github.com/smallbiznis/shadowfiend/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		func(cfg Config) logger.Config {
			return logger.Config{
				ServiceName:         cfg.ServiceName,
				Environment:         cfg.Environment,
				Version:             cfg.Version,
				Level:               cfg.LogLevel,
				Format:              cfg.LogFormat,
				IncludeStackOnError: cfg.Debug(),
			}
		},
		logger.New,
		func(cfg Config) tracing.Config {
			return tracing.Config{
				Enabled:          cfg.OtelEnabled,
				ServiceName:      cfg.ServiceName,
				ServiceVersion:   cfg.Version,
				Environment:      cfg.Environment,
				ExporterEndpoint: cfg.OtelExporterEndpoint,
				ExporterProtocol: cfg.OtelExporterProtocol,
				SamplingRatio:    cfg.OtelSamplingRatio,
			}
		},
		tracing.NewProvider,
		func(cfg Config) metrics.Config {
			return metrics.Config{
				Enabled:          cfg.OtelEnabled,
				ExporterEndpoint: cfg.OtelExporterEndpoint,
				ExporterProtocol: cfg.OtelExporterProtocol,
				ServiceName:      cfg.ServiceName,
				Environment:      cfg.Environment,
			}
		},
		metrics.NewProvider,
		metrics.New,
		metrics.ProcessorWithConfig,
	),
	fx.Invoke(announce),
)

// announce forces the tracer provider and logs the effective telemetry setup once.
func announce(lc fx.Lifecycle, cfg Config, log *zap.Logger, _ *sdktrace.TracerProvider) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("observability.started",
				zap.String("service", cfg.ServiceName),
				zap.String("env", cfg.Environment),
				zap.String("version", cfg.Version),
				zap.Bool("otel_enabled", cfg.OtelEnabled),
				zap.String("otel_protocol", cfg.OtelExporterProtocol),
				zap.Float64("sampling_ratio", cfg.OtelSamplingRatio),
			)
			return nil
		},
	})
}
