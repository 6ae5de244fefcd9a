package observability

import (
	"testing"

	"github.com/smallbiznis/shadowfiend/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{"OTEL_SERVICE_NAME", "DEPLOYMENT_ENV", "LOG_LEVEL", "OTEL_EXPORTER_OTLP_PROTOCOL", "OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "OTEL_SAMPLING_RATIO", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig(config.Config{AppName: "shadowfiend", Environment: "production", OTLPEndpoint: "otel:4317"})

	assert.Equal(t, "shadowfiend", cfg.ServiceName)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ProtocolGRPC, cfg.OtelExporterProtocol)
	assert.Equal(t, "otel:4317", cfg.OtelExporterEndpoint)
	assert.Equal(t, 0.1, cfg.OtelSamplingRatio)
	assert.False(t, cfg.OtelEnabled)
	assert.False(t, cfg.Debug())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "http/protobuf")
	t.Setenv("OTEL_SAMPLING_RATIO", "7")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := LoadConfig(config.Config{Environment: "production"})

	assert.True(t, cfg.OtelEnabled)
	assert.Equal(t, ProtocolHTTP, cfg.OtelExporterProtocol)
	assert.Equal(t, 1.0, cfg.OtelSamplingRatio)
	assert.True(t, cfg.Debug())
}
