// Package main implements the shortbus command: a local messaging gateway
// speaking newline-delimited JSON over stdio or WebSocket, backed by a
// supervised storage engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ahoward/shortbus/bridge"
	"github.com/ahoward/shortbus/config"
	"github.com/ahoward/shortbus/engineclient"
	"github.com/ahoward/shortbus/gateway"
	"github.com/ahoward/shortbus/metric"
	"github.com/ahoward/shortbus/subscription"
	"github.com/ahoward/shortbus/supervisor"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "shortbus"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("shortbus failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	slog.Info("starting shortbus",
		"version", Version,
		"mode", cliCfg.Mode,
		"engine_url", cfg.Engine.URL)

	switch cliCfg.Mode {
	case "pipe":
		return runPipe(cfg, logger)
	case "serve":
		return runServe(cfg, logger)
	case "engine":
		return runEngine(cfg, logger, cliCfg.EngineAction)
	default:
		return fmt.Errorf("unknown mode %q, want pipe, serve, or engine", cliCfg.Mode)
	}
}

// loadConfig layers the config file, environment, and command-line overrides.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	if cliCfg.EngineURL != "" {
		cfg.Engine.URL = cliCfg.EngineURL
	}
	if cliCfg.DataDir != "" {
		cfg.Engine.DataDir = cliCfg.DataDir
	}
	if cliCfg.SignalDir != "" {
		cfg.Bridge.SignalDir = cliCfg.SignalDir
	}
	if cliCfg.ServeAddr != "" {
		cfg.Serve.Addr = cliCfg.ServeAddr
	}
	if cliCfg.PollingOnly {
		cfg.Bridge.PollingOnly = true
	}
	cfg.Log.Level = cliCfg.LogLevel
	cfg.Log.Format = cliCfg.LogFormat

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildGateway assembles the full dependency graph for pipe and serve modes.
func buildGateway(cfg *config.Config, logger *slog.Logger) (*gateway.Gateway, error) {
	metrics := metric.NewRegistry()

	engine, err := engineclient.NewClient(cfg.Engine.URL,
		engineclient.WithTimeout(cfg.Engine.RequestTimeout),
		engineclient.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	registry := subscription.NewRegistry(engine, logger, metrics.Core)

	bridgeOpts := []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithMetrics(metrics.Core),
		bridge.WithPollInterval(cfg.Bridge.PollInterval),
		bridge.WithPollTopics(registry.Topics),
	}
	if cfg.Bridge.PollingOnly {
		bridgeOpts = append(bridgeOpts, bridge.WithPollingOnly())
	}

	notifier, err := bridge.New(cfg.Bridge.SignalDir, bridgeOpts...)
	if err != nil {
		return nil, err
	}

	deps := gateway.Dependencies{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Engine:   engine,
		Registry: registry,
		Bridge:   notifier,
	}

	// When an engine binary is configured, health reporting covers the
	// supervised process too, via the shared pidfile.
	if cfg.Engine.BinaryPath != "" {
		sup, err := supervisor.New(cfg.Engine.BinaryPath, cfg.Engine.DataDir,
			supervisor.WithHealthCheck(engine.Health),
			supervisor.WithLogger(logger),
			supervisor.WithMetrics(metrics.Core))
		if err != nil {
			return nil, err
		}
		deps.Supervisor = sup
	}

	return gateway.New(deps)
}

// runPipe serves one session over stdin/stdout. Logs go to stderr so the
// protocol owns stdout.
func runPipe(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := gw.Stop(5 * time.Second); err != nil {
			logger.Warn("gateway stop failed", "error", err)
		}
	}()

	return gw.RunPipe(ctx, os.Stdin, os.Stdout)
}

// runServe listens for WebSocket sessions until interrupted.
func runServe(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := gw.Stop(5 * time.Second); err != nil {
			logger.Warn("gateway stop failed", "error", err)
		}
	}()

	return gw.Serve(ctx)
}

// runEngine drives the engine process supervisor.
func runEngine(cfg *config.Config, logger *slog.Logger, action string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := engineclient.NewClient(cfg.Engine.URL,
		engineclient.WithTimeout(cfg.Engine.RequestTimeout),
		engineclient.WithLogger(logger))
	if err != nil {
		return err
	}

	sup, err := supervisor.New(cfg.Engine.BinaryPath, cfg.Engine.DataDir,
		supervisor.WithHealthCheck(engine.Health),
		supervisor.WithStartupTimeout(cfg.Engine.StartupTimeout),
		supervisor.WithGracePeriod(cfg.Engine.GracePeriod),
		supervisor.WithLogger(logger))
	if err != nil {
		return err
	}

	switch action {
	case "start":
		if err := sup.Start(ctx); err != nil {
			return err
		}
		fmt.Printf("engine started, state=%s\n", sup.State())
		return nil
	case "stop":
		if err := sup.Stop(); err != nil {
			return err
		}
		fmt.Println("engine stopped")
		return nil
	case "restart":
		if err := sup.Stop(); err != nil {
			return err
		}
		if err := sup.Start(ctx); err != nil {
			return err
		}
		fmt.Printf("engine restarted, state=%s\n", sup.State())
		return nil
	case "status":
		state := sup.Status(ctx)
		if pid, ok := readPid(sup.PidfilePath()); ok {
			fmt.Printf("state=%s pid=%d\n", state, pid)
		} else {
			fmt.Printf("state=%s\n", state)
		}
		return nil
	default:
		return fmt.Errorf("unknown engine action %q, want start, stop, restart, or status", action)
	}
}

func readPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
