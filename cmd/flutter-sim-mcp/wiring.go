package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"flutter-sim-mcp/internal/adapter/simulator"
	"flutter-sim-mcp/internal/domain"
	"flutter-sim-mcp/internal/infra/config"
	"flutter-sim-mcp/internal/usecase/flutter"
	"flutter-sim-mcp/internal/usecase/scheduling"
	"flutter-sim-mcp/internal/usecase/session"
)

const instructions = `Start with session create (project_path is a Flutter project directory) and keep the returned session_id.
flutter_run start boots the session's simulator and launches the app; poll flutter_run logs with from_index set to the previous next_index.
flutter_test start returns a reference; poll flutter_test progress until complete, then read flutter_test logs for failures.
End sessions you no longer need: each one holds a simulator.
Errors start with a bracketed code such as [SESSION_NOT_FOUND].`

// sessionPolicy maps configuration onto the session manager's policy.
func sessionPolicy(cfg *config.Config) (session.Policy, error) {
	p := session.Policy{
		AllowedRoot:       cfg.Sessions.AllowedRoot,
		BasePath:          cfg.Sessions.BasePath,
		Manifest:          cfg.Flutter.Manifest,
		MaxSessions:       cfg.Sessions.MaxSessions,
		TimeoutMinutes:    cfg.Sessions.TimeoutMinutes,
		PreScript:         cfg.Sessions.PreScript,
		PostScript:        cfg.Sessions.PostScript,
		ScriptTimeout:     cfg.Sessions.ScriptTimeout,
		DefaultDeviceType: cfg.Sessions.DefaultDeviceType,
	}
	if cfg.Sessions.SweepInterval != "" {
		sched, err := scheduling.ParseSchedule(cfg.Sessions.SweepInterval)
		if err != nil {
			return session.Policy{}, fmt.Errorf("sessions.sweep_interval: %w", err)
		}
		p.SweepInterval = sched
	}
	return p, nil
}

// defaultAllowedRoot fills an empty allowed root with the working directory.
func defaultAllowedRoot(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Sessions.AllowedRoot != "" {
		return nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	cfg.Sessions.AllowedRoot = wd
	logger.Warn("sessions.allowed_root not set, restricting projects to the working directory", "allowed_root", wd)
	return nil
}

func runManagerConfig(cfg config.FlutterConfig) flutter.RunManagerConfig {
	return flutter.RunManagerConfig{
		FlutterBin:        cfg.Binary,
		LogBufferSize:     cfg.LogBufferSize,
		StopTimeout:       cfg.StopTimeout,
		ReloadRevertDelay: cfg.ReloadRevertDelay,
	}
}

func testManagerConfig(cfg config.FlutterConfig) flutter.TestManagerConfig {
	return flutter.TestManagerConfig{
		FlutterBin:     cfg.Binary,
		MaxOutputLines: cfg.TestOutputLines,
	}
}

// newSimulator builds the simctl backend, behind a circuit breaker when enabled.
func newSimulator(cfg config.SimulatorConfig, runner simulator.CommandRunner, logger *slog.Logger) domain.Simulator {
	sim := simulator.NewSimCtl(runner, simulator.Config{
		Xcrun:   cfg.Xcrun,
		Runtime: cfg.Runtime,
		Timeout: cfg.CommandTimeout,
	}, logger)
	if !cfg.CircuitBreaker.Enabled {
		return sim
	}
	return simulator.NewBreakerSimulator(sim, simulator.BreakerConfig{
		MaxFailures: cfg.CircuitBreaker.MaxFailures,
		Timeout:     cfg.CircuitBreaker.Timeout,
		Interval:    cfg.CircuitBreaker.Interval,
	}, logger)
}

// absConfigPath returns path made absolute, or path unchanged on failure.
func absConfigPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
