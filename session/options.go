package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ahoward/shortbus/metric"
)

// Option configures a Session.
type Option func(*Session) error

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithMetrics wires command and parse-error counters.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Session) error {
		s.metrics = m
		return nil
	}
}

// WithAutoCreateTopics controls whether subscribe ensures the topic exists
// upstream before registering. Enabled by default.
func WithAutoCreateTopics(enabled bool) Option {
	return func(s *Session) error {
		s.autoCreateTopics = enabled
		return nil
	}
}

// WithGracePeriod bounds how long session teardown waits for in-flight
// command handlers.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Session) error {
		if d <= 0 {
			return fmt.Errorf("grace period must be positive, got %v", d)
		}
		s.gracePeriod = d
		return nil
	}
}

// WithID overrides the generated session identifier.
func WithID(id string) Option {
	return func(s *Session) error {
		if id == "" {
			return fmt.Errorf("session id cannot be empty")
		}
		s.id = id
		return nil
	}
}
