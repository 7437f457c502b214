package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"flutter-sim-mcp/internal/adapter/mcpserver"
	"flutter-sim-mcp/internal/adapter/tool"
	"flutter-sim-mcp/internal/domain"
	"flutter-sim-mcp/internal/infra/config"
	"flutter-sim-mcp/internal/infra/logger"
	"flutter-sim-mcp/internal/infra/tracer"
	"flutter-sim-mcp/internal/usecase/eventbus"
	"flutter-sim-mcp/internal/usecase/flutter"
	"flutter-sim-mcp/internal/usecase/scheduling"
	"flutter-sim-mcp/internal/usecase/session"
)

// cleanupTimeout bounds ending every session at shutdown.
const cleanupTimeout = 60 * time.Second

var (
	transportFlag string
	addrFlag      string
	noWatchFlag   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server",
	Long: `Run the MCP server over stdio (default) or streamable HTTP.

Over stdio, stdout carries the protocol; logs go to stderr or a file.
The config file is watched and session policy and log level are applied
without a restart.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&transportFlag, "transport", "t", "", "transport: stdio or http (overrides config)")
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address for the http transport (overrides config)")
	serveCmd.Flags().BoolVar(&noWatchFlag, "no-watch", false, "do not reload the config file on change")
	rootCmd.AddCommand(serveCmd)
}

func loadServeConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if transportFlag != "" {
		cfg.Server.Transport = transportFlag
	}
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}
	if transportFlag != "" || addrFlag != "" {
		if err := config.Validate(cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return cfg, nil
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// 1. Config
	cfgPath := configPath()
	cfg, err := loadServeConfig(cfgPath)
	if err != nil {
		return err
	}

	// 2. Logger & Tracer
	logs, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logs.Close()
	log := logs.Logger

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	if err := defaultAllowedRoot(cfg, log); err != nil {
		return err
	}

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()
	unsubscribe := bus.SubscribeAll(eventbus.LogEvents(log))
	defer unsubscribe()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Scheduler
	scheduler := scheduling.NewScheduler(log)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer scheduler.Stop()

	// 5. Sessions
	runner := flutter.NewRunner(log)
	manager := session.NewManager(session.Deps{
		Simulator: newSimulator(cfg.Simulator, runner, log),
		Scheduler: scheduler,
		Runner:    runner,
		Bus:       bus,
		Logger:    log,
		Run:       runManagerConfig(cfg.Flutter),
		Test:      testManagerConfig(cfg.Flutter),
	})
	policy, err := sessionPolicy(cfg)
	if err != nil {
		return err
	}
	if err := manager.Configure(policy); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		manager.Cleanup(cleanupCtx)
	}()

	// 6. Tools
	registry, err := registerTools(manager, cfg, log)
	if err != nil {
		return err
	}

	// 7. Config reload
	if !noWatchFlag {
		if _, err := os.Stat(cfgPath); err == nil {
			go watchConfig(ctx, cfgPath, cfg, manager, logs)
		}
	}

	// 8. Transport
	srv := mcpserver.New(mcpserver.Info{
		Name:         cfg.Server.Name,
		Version:      version,
		Instructions: instructions,
	}, registry, log)

	log.Info("flutter-sim-mcp starting",
		"version", version,
		"transport", cfg.Server.Transport,
		"allowed_root", cfg.Sessions.AllowedRoot,
		"max_sessions", cfg.Sessions.MaxSessions)

	switch cfg.Server.Transport {
	case "http":
		err = srv.ListenHTTP(ctx, mcpserver.HTTPConfig{
			Addr:              cfg.Server.Addr,
			Path:              cfg.Server.Path,
			AuthToken:         cfg.Server.AuthToken,
			RateLimit:         cfg.Server.RateLimit.Enabled,
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             cfg.Server.RateLimit.Burst,
		}, nil)
	default:
		err = srv.ServeStdio(ctx, os.Stdin, os.Stdout)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("mcp server stopped", "error", err)
		return err
	}
	log.Info("flutter-sim-mcp shutting down")
	return nil
}

func registerTools(manager *session.Manager, cfg *config.Config, log *slog.Logger) (*tool.Registry, error) {
	registry := tool.NewRegistry(log)
	for _, t := range []domain.Tool{
		tool.NewSessionTool(manager, log),
		tool.NewFlutterRunTool(manager, log),
		tool.NewFlutterTestTool(manager, log),
		tool.NewFlutterProjectTool(manager, cfg.Flutter.CommandTimeout, log),
	} {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", t.Name(), err)
		}
	}
	return registry, nil
}

// restartSettings are the parts of Config read only at startup.
type restartSettings struct {
	Server    config.ServerConfig
	Flutter   config.FlutterConfig
	Simulator config.SimulatorConfig
}

func restartSettingsOf(cfg *config.Config) restartSettings {
	return restartSettings{Server: cfg.Server, Flutter: cfg.Flutter, Simulator: cfg.Simulator}
}

// restartNotice decides when a reload warrants a restart warning: once per
// distinct pending change, and never while the file matches what is running.
type restartNotice struct {
	running restartSettings
	last    restartSettings
}

func newRestartNotice(running *config.Config) *restartNotice {
	s := restartSettingsOf(running)
	return &restartNotice{running: s, last: s}
}

func (n *restartNotice) observe(next *config.Config) bool {
	s := restartSettingsOf(next)
	changed := s != n.last
	n.last = s
	return changed && s != n.running
}

// watchConfig applies session policy and log level from the reloaded file.
// Transport, flutter and simulator settings need a restart.
func watchConfig(ctx context.Context, path string, running *config.Config, manager *session.Manager, logs *logger.Logger) {
	log := logs.Logger
	notice := newRestartNotice(running)
	err := config.Watch(ctx, absConfigPath(path), config.DefaultDebounce, func(next *config.Config) {
		if err := defaultAllowedRoot(next, log); err != nil {
			log.Warn("config reload rejected", "error", err)
			return
		}
		policy, err := sessionPolicy(next)
		if err != nil {
			log.Warn("config reload rejected", "error", err)
			return
		}
		if err := manager.Configure(policy); err != nil {
			log.Warn("config reload rejected", "error", err)
			return
		}
		logs.SetLevel(next.Logger.Level)
		if notice.observe(next) {
			log.Warn("server, flutter and simulator settings changed; restart to apply them")
		}
		log.Info("config applied", "max_sessions", policy.MaxSessions, "timeout_minutes", policy.TimeoutMinutes)
	}, log)
	if err != nil && ctx.Err() == nil {
		log.Warn("config watch stopped", "error", err)
	}
}
