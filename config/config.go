// Package config loads and validates gateway configuration from a YAML file
// with SHORTBUS_* environment overrides layered on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Session SessionConfig `yaml:"session"`
	Serve   ServeConfig   `yaml:"serve"`
	Log     LogConfig     `yaml:"log"`
}

// EngineConfig describes how to reach and supervise the storage engine.
type EngineConfig struct {
	// URL is the engine's HTTP base address.
	URL string `yaml:"url"`
	// BinaryPath locates the engine executable for supervised starts.
	BinaryPath string `yaml:"binary_path"`
	// DataDir holds the engine's durable state and pidfile.
	DataDir string `yaml:"data_dir"`
	// RequestTimeout bounds one engine HTTP request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// StartupTimeout bounds supervised engine startup.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	// GracePeriod is the SIGTERM-to-SIGKILL window on stop.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// BridgeConfig describes the notification bridge.
type BridgeConfig struct {
	// SignalDir is the directory watched for topic signal markers.
	SignalDir string `yaml:"signal_dir"`
	// PollInterval is the fallback sweep cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollingOnly skips filesystem watching entirely.
	PollingOnly bool `yaml:"polling_only"`
}

// SessionConfig describes protocol session behavior.
type SessionConfig struct {
	// AutoCreateTopics makes subscribe ensure the topic exists upstream.
	AutoCreateTopics bool `yaml:"auto_create_topics"`
	// GracePeriod bounds teardown waits for in-flight handlers.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// ServeConfig describes the WebSocket listen mode.
type ServeConfig struct {
	// Addr is the listen address for serve mode.
	Addr string `yaml:"addr"`
}

// LogConfig describes logging output.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file or overrides are
// present. All paths live under the user's home so multiple tools on one
// machine share a single engine.
func Default() *Config {
	base := defaultBaseDir()
	return &Config{
		Engine: EngineConfig{
			URL:            "http://127.0.0.1:7337",
			BinaryPath:     "shortbus-engine",
			DataDir:        filepath.Join(base, "data"),
			RequestTimeout: 10 * time.Second,
			StartupTimeout: 15 * time.Second,
			GracePeriod:    5 * time.Second,
		},
		Bridge: BridgeConfig{
			SignalDir:    filepath.Join(base, "signals"),
			PollInterval: 100 * time.Millisecond,
		},
		Session: SessionConfig{
			AutoCreateTopics: true,
			GracePeriod:      5 * time.Second,
		},
		Serve: ServeConfig{
			Addr: "127.0.0.1:7338",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "shortbus")
	}
	return filepath.Join(home, ".shortbus")
}

// Load builds a Config from defaults, then the YAML file at path if it is
// non-empty, then SHORTBUS_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load failed: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config parse failed: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv layers SHORTBUS_* environment variables over the loaded values.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("SHORTBUS_ENGINE_URL", &c.Engine.URL)
	setString("SHORTBUS_ENGINE_BINARY", &c.Engine.BinaryPath)
	setString("SHORTBUS_DATA_DIR", &c.Engine.DataDir)
	setDuration("SHORTBUS_REQUEST_TIMEOUT", &c.Engine.RequestTimeout)
	setDuration("SHORTBUS_STARTUP_TIMEOUT", &c.Engine.StartupTimeout)
	setDuration("SHORTBUS_GRACE_PERIOD", &c.Engine.GracePeriod)

	setString("SHORTBUS_SIGNAL_DIR", &c.Bridge.SignalDir)
	setDuration("SHORTBUS_POLL_INTERVAL", &c.Bridge.PollInterval)
	setBool("SHORTBUS_POLLING_ONLY", &c.Bridge.PollingOnly)

	setBool("SHORTBUS_AUTO_CREATE_TOPICS", &c.Session.AutoCreateTopics)

	setString("SHORTBUS_SERVE_ADDR", &c.Serve.Addr)
	setString("SHORTBUS_LOG_LEVEL", &c.Log.Level)
	setString("SHORTBUS_LOG_FORMAT", &c.Log.Format)
}

// Validate checks the config and normalizes string fields.
func (c *Config) Validate() error {
	if c.Engine.URL == "" {
		return errors.New("engine.url is required")
	}
	if !strings.HasPrefix(c.Engine.URL, "http://") && !strings.HasPrefix(c.Engine.URL, "https://") {
		return fmt.Errorf("engine.url %q must be an http or https address", c.Engine.URL)
	}
	if c.Engine.DataDir == "" {
		return errors.New("engine.data_dir is required")
	}
	if c.Engine.RequestTimeout <= 0 {
		return fmt.Errorf("engine.request_timeout must be positive, got %v", c.Engine.RequestTimeout)
	}
	if c.Engine.StartupTimeout <= 0 {
		return fmt.Errorf("engine.startup_timeout must be positive, got %v", c.Engine.StartupTimeout)
	}
	if c.Engine.GracePeriod <= 0 {
		return fmt.Errorf("engine.grace_period must be positive, got %v", c.Engine.GracePeriod)
	}

	if c.Bridge.SignalDir == "" {
		return errors.New("bridge.signal_dir is required")
	}
	if c.Bridge.PollInterval <= 0 {
		return fmt.Errorf("bridge.poll_interval must be positive, got %v", c.Bridge.PollInterval)
	}

	if c.Session.GracePeriod <= 0 {
		return fmt.Errorf("session.grace_period must be positive, got %v", c.Session.GracePeriod)
	}

	if c.Serve.Addr == "" {
		return errors.New("serve.addr is required")
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}

	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}

	return nil
}
