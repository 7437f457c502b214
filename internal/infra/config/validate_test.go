package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaultsPass(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown transport", func(c *Config) { c.Server.Transport = "grpc" }, "server.transport must be stdio or http"},
		{"http bad addr", func(c *Config) { c.Server.Transport = "http"; c.Server.Addr = "nohost" }, "server.addr"},
		{"http bad path", func(c *Config) { c.Server.Transport = "http"; c.Server.Path = "mcp" }, "server.path must start with /"},
		{"rate limit rps", func(c *Config) { c.Server.RateLimit.Enabled = true; c.Server.RateLimit.RequestsPerSecond = 0 }, "requests_per_second"},
		{"rate limit burst", func(c *Config) { c.Server.RateLimit.Enabled = true; c.Server.RateLimit.Burst = 0 }, "burst"},
		{"max sessions", func(c *Config) { c.Sessions.MaxSessions = 0 }, "sessions.max_sessions must be > 0"},
		{"negative timeout", func(c *Config) { c.Sessions.TimeoutMinutes = -1 }, "sessions.timeout_minutes"},
		{"bad sweep", func(c *Config) { c.Sessions.SweepInterval = "sometimes" }, "sessions.sweep_interval"},
		{"no device type", func(c *Config) { c.Sessions.DefaultDeviceType = "" }, "sessions.default_device_type"},
		{"no flutter binary", func(c *Config) { c.Flutter.Binary = "" }, "flutter.binary is required"},
		{"log buffer", func(c *Config) { c.Flutter.LogBufferSize = 0 }, "flutter.log_buffer_size"},
		{"stop timeout", func(c *Config) { c.Flutter.StopTimeout = 0 }, "flutter.stop_timeout"},
		{"no xcrun", func(c *Config) { c.Simulator.Xcrun = "" }, "simulator.xcrun is required"},
		{"breaker failures", func(c *Config) { c.Simulator.CircuitBreaker.MaxFailures = 0 }, "max_failures"},
		{"logger level", func(c *Config) { c.Logger.Level = "trace" }, "logger.level"},
		{"logger format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"stdout with stdio", func(c *Config) { c.Logger.Output = "stdout" }, "cannot be stdout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateSweepIgnoredWhenTimeoutDisabled(t *testing.T) {
	cfg := Defaults()
	cfg.Sessions.TimeoutMinutes = 0
	cfg.Sessions.SweepInterval = ""
	assert.NoError(t, Validate(cfg))
}

func TestValidateAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Sessions.MaxSessions = 0
	cfg.Flutter.Binary = ""
	err := Validate(cfg)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 2)
	assert.True(t, ve.HasErrors())
}
