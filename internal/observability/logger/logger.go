package logger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/shadowfiend/internal/requestcontext"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the zap logger.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Level       string
	Format      string

	SamplingInitial     int
	SamplingThereafter  int
	IncludeStackOnError bool
}

// New builds the process logger, replaces the zap globals and syncs on stop.
func New(lc fx.Lifecycle, cfg Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = "json"
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		zapCfg.Encoding = "console"
	}
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	zapCfg.Sampling = nil

	level := strings.TrimSpace(cfg.Level)
	if level == "" {
		level = "info"
	}
	if err := zapCfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	options := []zap.Option{zap.AddCaller(), samplerOption(cfg)}
	if cfg.IncludeStackOnError {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	base, err := zapCfg.Build(options...)
	if err != nil {
		return nil, err
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "shadowfiend"
	}
	base = base.With(
		zap.String("service", serviceName),
		zap.String("env", strings.TrimSpace(cfg.Environment)),
		zap.String("version", strings.TrimSpace(cfg.Version)),
	)
	zap.ReplaceGlobals(base)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				_ = base.Sync()
				return nil
			},
		})
	}

	return base, nil
}

// samplerOption keeps a reconciliation storm from flooding the log pipeline.
func samplerOption(cfg Config) zap.Option {
	initial := cfg.SamplingInitial
	if initial <= 0 {
		initial = 100
	}
	thereafter := cfg.SamplingThereafter
	if thereafter <= 0 {
		thereafter = 100
	}
	return zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewSamplerWithOptions(core, time.Second, initial, thereafter)
	})
}

// FromContext returns a logger enriched with request-scoped fields.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext enriches the provided logger with correlation, actor and trace fields.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil || base == nil {
		return base
	}

	fields := make([]zap.Field, 0, 5)
	if cid := requestcontext.CorrelationIDFromContext(ctx); cid != "" {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if actor, ok := requestcontext.ActorFromContext(ctx); ok {
		fields = append(fields,
			zap.String("actor_type", string(actor.Type)),
			zap.String("actor_id", actor.UserID),
		)
	}
	fields = append(fields, traceFieldsFromContext(ctx)...)

	return base.With(fields...)
}

// WithProject adds the project being reconciled to the logger.
func WithProject(log *zap.Logger, projectID string) *zap.Logger {
	if log == nil {
		return nil
	}
	return log.With(zap.String("project_id", strings.TrimSpace(projectID)))
}

func traceFieldsFromContext(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
