package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	Mode         string // pipe, serve, engine
	EngineAction string // start, stop, restart, status

	ConfigPath  string
	LogLevel    string
	LogFormat   string
	EngineURL   string
	DataDir     string
	SignalDir   string
	ServeAddr   string
	PollingOnly bool
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("SHORTBUS_CONFIG", ""),
		"Path to configuration file (env: SHORTBUS_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("SHORTBUS_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: SHORTBUS_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("SHORTBUS_LOG_FORMAT", "text"),
		"Log format: json, text (env: SHORTBUS_LOG_FORMAT)")

	flag.StringVar(&cfg.EngineURL, "engine-url", "",
		"Engine HTTP base address, overrides config (env: SHORTBUS_ENGINE_URL)")

	flag.StringVar(&cfg.DataDir, "data-dir", "",
		"Engine data directory, overrides config (env: SHORTBUS_DATA_DIR)")

	flag.StringVar(&cfg.SignalDir, "signal-dir", "",
		"Signal marker directory, overrides config (env: SHORTBUS_SIGNAL_DIR)")

	flag.StringVar(&cfg.ServeAddr, "addr", "",
		"Listen address for serve mode, overrides config (env: SHORTBUS_SERVE_ADDR)")

	flag.BoolVar(&cfg.PollingOnly, "polling-only",
		getEnvBool("SHORTBUS_POLLING_ONLY", false),
		"Skip filesystem watching, poll for new messages (env: SHORTBUS_POLLING_ONLY)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp
	flag.Parse()

	cfg.Mode = flag.Arg(0)
	if cfg.Mode == "" {
		cfg.Mode = "pipe"
	}
	if cfg.Mode == "engine" {
		cfg.EngineAction = flag.Arg(1)
		if cfg.EngineAction == "" {
			cfg.EngineAction = "status"
		}
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - local messaging gateway

Usage: %s [options] [mode]

Modes:
  pipe                        Serve one protocol session over stdin/stdout (default)
  serve                       Listen for WebSocket protocol sessions
  engine start|stop|restart|status
                              Manage the supervised storage engine process

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Talk the protocol over stdio
  echo '{"op":"publish","topic":"events","payload":"hi","request_id":1}' | %s

  # Run the WebSocket listener
  %s --addr=127.0.0.1:7338 serve

  # Start the engine and check on it
  %s engine start
  %s engine status

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
