package supervisor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ahoward/shortbus/metric"
	"github.com/ahoward/shortbus/pkg/retry"
)

// Option configures a Supervisor.
type Option func(*Supervisor) error

// WithHealthCheck sets the probe used to decide whether the engine answers.
// Typically engineclient.Client.Health.
func WithHealthCheck(fn HealthFunc) Option {
	return func(s *Supervisor) error {
		if fn == nil {
			return fmt.Errorf("health check cannot be nil")
		}
		s.health = fn
		return nil
	}
}

// WithEngineArgs appends extra arguments to the engine command line.
func WithEngineArgs(args ...string) Option {
	return func(s *Supervisor) error {
		s.engineArgs = append(s.engineArgs, args...)
		return nil
	}
}

// WithStartupTimeout bounds how long Start waits for the first healthy
// answer. Default 15s.
func WithStartupTimeout(d time.Duration) Option {
	return func(s *Supervisor) error {
		if d <= 0 {
			return fmt.Errorf("startup timeout must be positive, got %v", d)
		}
		s.startupTimeout = d
		return nil
	}
}

// WithGracePeriod bounds how long Stop waits before escalating to a forced
// kill. Default 5s.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) error {
		if d <= 0 {
			return fmt.Errorf("grace period must be positive, got %v", d)
		}
		s.gracePeriod = d
		return nil
	}
}

// WithRetryConfig replaces the health polling schedule used during startup.
func WithRetryConfig(cfg retry.Config) Option {
	return func(s *Supervisor) error {
		s.retryCfg = cfg
		return nil
	}
}

// WithLogger sets the supervisor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithMetrics wires the supervisor into the gateway metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Supervisor) error {
		s.metrics = m
		return nil
	}
}
