package observability

import (
	"testing"

	"github.com/smallbiznis/settlement/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP")
	t.Setenv("OTEL_SAMPLING_RATIO", "not-a-number")
	t.Setenv("DEPLOYMENT_ENV", "")

	cfg := LoadConfig(config.Config{Environment: "staging", AppVersion: "1.2.3"})

	assert.Equal(t, "settlement", cfg.ServiceName)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "http", cfg.OtelExporterProtocol)
	assert.Equal(t, 0.1, cfg.OtelSamplingRatio)
	assert.False(t, cfg.Debug())
}

func TestDebugFollowsEnvironmentAndLevel(t *testing.T) {
	assert.True(t, Config{Environment: "test"}.Debug())
	assert.True(t, Config{Environment: "production", LogLevel: "DEBUG"}.Debug())
	assert.False(t, Config{Environment: "production", LogLevel: "info"}.Debug())
}

func TestDerivedConfigsShareIdentity(t *testing.T) {
	cfg := Config{
		ServiceName:       "settlement-api",
		Environment:       "dev",
		Version:           "0.1.0",
		OtelEnabled:       true,
		OtelSamplingRatio: 0.5,
	}

	assert.True(t, cfg.loggerConfig().IncludeStackOnError)
	assert.Equal(t, "settlement-api", cfg.tracingConfig().ServiceName)
	assert.Equal(t, 0.5, cfg.tracingConfig().SamplingRatio)
	assert.True(t, cfg.metricsConfig().Enabled)
	assert.Equal(t, "dev", cfg.metricsConfig().Environment)
}
