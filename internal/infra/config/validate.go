package config

import (
	"fmt"
	"net"
	"strings"

	"flutter-sim-mcp/internal/usecase/scheduling"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateSessions(cfg, ve)
	validateFlutter(cfg, ve)
	validateSimulator(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	switch s.Transport {
	case "stdio":
	case "http":
		if _, _, err := net.SplitHostPort(s.Addr); err != nil {
			ve.Add("server.addr %q is not host:port: %v", s.Addr, err)
		}
		if !strings.HasPrefix(s.Path, "/") {
			ve.Add("server.path must start with /")
		}
	default:
		ve.Add("server.transport must be stdio or http, got %q", s.Transport)
	}
	if s.RateLimit.Enabled {
		if s.RateLimit.RequestsPerSecond <= 0 {
			ve.Add("server.rate_limit.requests_per_second must be > 0")
		}
		if s.RateLimit.Burst <= 0 {
			ve.Add("server.rate_limit.burst must be > 0")
		}
	}
}

func validateSessions(cfg *Config, ve *ValidationError) {
	s := cfg.Sessions
	if s.MaxSessions <= 0 {
		ve.Add("sessions.max_sessions must be > 0")
	}
	if s.TimeoutMinutes < 0 {
		ve.Add("sessions.timeout_minutes must be >= 0")
	}
	if s.TimeoutMinutes > 0 {
		if _, err := scheduling.ParseSchedule(s.SweepInterval); err != nil {
			ve.Add("sessions.sweep_interval: %v", err)
		}
	}
	if s.ScriptTimeout < 0 {
		ve.Add("sessions.script_timeout must be >= 0")
	}
	if s.DefaultDeviceType == "" {
		ve.Add("sessions.default_device_type is required")
	}
}

func validateFlutter(cfg *Config, ve *ValidationError) {
	f := cfg.Flutter
	if f.Binary == "" {
		ve.Add("flutter.binary is required")
	}
	if f.Manifest == "" {
		ve.Add("flutter.manifest is required")
	}
	if f.LogBufferSize <= 0 {
		ve.Add("flutter.log_buffer_size must be > 0")
	}
	if f.TestOutputLines <= 0 {
		ve.Add("flutter.test_output_lines must be > 0")
	}
	if f.StopTimeout <= 0 {
		ve.Add("flutter.stop_timeout must be > 0")
	}
	if f.ReloadRevertDelay < 0 {
		ve.Add("flutter.reload_revert_delay must be >= 0")
	}
	if f.CommandTimeout <= 0 {
		ve.Add("flutter.command_timeout must be > 0")
	}
}

func validateSimulator(cfg *Config, ve *ValidationError) {
	s := cfg.Simulator
	if s.Xcrun == "" {
		ve.Add("simulator.xcrun is required")
	}
	if s.CommandTimeout <= 0 {
		ve.Add("simulator.command_timeout must be > 0")
	}
	if cb := s.CircuitBreaker; cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("simulator.circuit_breaker.max_failures must be > 0")
		}
		if cb.Timeout <= 0 {
			ve.Add("simulator.circuit_breaker.timeout must be > 0")
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level must be debug, info, warn or error, got %q", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format must be text or json, got %q", cfg.Logger.Format)
	}
	if cfg.Server.Transport == "stdio" && cfg.Logger.Output == "stdout" {
		ve.Add("logger.output cannot be stdout with the stdio transport")
	}
}
