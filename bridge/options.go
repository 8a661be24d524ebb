package bridge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ahoward/shortbus/metric"
)

// Option configures a Notifier.
type Option func(*Notifier) error

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		n.logger = logger
		return nil
	}
}

// WithMetrics wires the bridge into the gateway metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(n *Notifier) error {
		n.metrics = m
		return nil
	}
}

// WithPollInterval sets the fallback sweep interval. Default 100ms.
func WithPollInterval(d time.Duration) Option {
	return func(n *Notifier) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %v", d)
		}
		n.pollInterval = d
		return nil
	}
}

// WithPollingOnly disables filesystem signaling entirely: the bridge starts
// straight in polling mode.
func WithPollingOnly() Option {
	return func(n *Notifier) error {
		n.pollingOnly = true
		return nil
	}
}

// WithPollTopics supplies the set of topics the fallback sweep iterates,
// typically the subscription registry's active topics. Without it the sweep
// falls back to the topics that have registered callbacks.
func WithPollTopics(fn func() []string) Option {
	return func(n *Notifier) error {
		n.pollTopics = fn
		return nil
	}
}
