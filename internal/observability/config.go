package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/shadowfiend/internal/config"
)

const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// Config holds logging and OpenTelemetry settings. Process config supplies the
// defaults; the standard OTEL_* and LOG_* variables override them.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName:          firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), cfg.AppName, "shadowfiend"),
		Environment:          firstNonEmpty(os.Getenv("DEPLOYMENT_ENV"), cfg.Environment),
		Version:              firstNonEmpty(os.Getenv("SERVICE_VERSION"), cfg.AppVersion),
		LogLevel:             strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), "info")),
		LogFormat:            strings.ToLower(firstNonEmpty(os.Getenv("LOG_FORMAT"), "json")),
		OtelEnabled:          envBool("OTEL_ENABLED", false),
		OtelExporterEndpoint: firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.OTLPEndpoint),
		OtelExporterProtocol: normalizeProtocol(firstNonEmpty(
			os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"),
			os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"),
		)),
		OtelSamplingRatio: clampRatio(envFloat("OTEL_SAMPLING_RATIO", 0.1)),
	}
	return out
}

// Debug enables stack traces on error logs for debug level or local environments.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	return config.Config{Environment: c.Environment}.IsDevelopment()
}

// normalizeProtocol folds the OTLP protocol spellings onto grpc or http.
func normalizeProtocol(v string) string {
	v = strings.ToLower(v)
	if strings.HasPrefix(v, "http") {
		return ProtocolHTTP
	}
	return ProtocolGRPC
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return v
}
