// Package gateway assembles the protocol session, subscription registry,
// notification bridge, and engine client into the two front ends the binary
// exposes: a stdio pipe and a WebSocket listener.
//
// All wiring is explicit: every collaborator arrives through Dependencies,
// nothing is reached through package-level state.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahoward/shortbus/bridge"
	"github.com/ahoward/shortbus/config"
	"github.com/ahoward/shortbus/errors"
	"github.com/ahoward/shortbus/health"
	"github.com/ahoward/shortbus/metric"
	"github.com/ahoward/shortbus/session"
	"github.com/ahoward/shortbus/subscription"
	"github.com/ahoward/shortbus/supervisor"
)

// Registry is the subscription registry surface the gateway needs: session
// registration plus signal-driven delivery.
type Registry interface {
	session.Registrar
	Deliver(ctx context.Context, topic string) error
	Topics() []string
	Close()
}

// Supervisor reports the state of the managed engine process. Optional: a
// gateway pointed at an externally run engine has none.
type Supervisor interface {
	Status(ctx context.Context) supervisor.State
}

// Bridge is the notification bridge surface the gateway needs.
type Bridge interface {
	On(topic string, cb bridge.Callback)
	Trigger(topic string, metadata map[string]any) error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Mode() bridge.Mode
}

// Dependencies carries every collaborator the gateway needs.
type Dependencies struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metric.Registry
	Engine   session.Engine
	Registry Registry
	Bridge   Bridge
	// Supervisor is set when this process manages the engine lifecycle.
	Supervisor Supervisor
	Monitor    *health.Monitor
}

func (d Dependencies) validate() error {
	switch {
	case d.Config == nil:
		return fmt.Errorf("config is required")
	case d.Engine == nil:
		return fmt.Errorf("engine client is required")
	case d.Registry == nil:
		return fmt.Errorf("subscription registry is required")
	case d.Bridge == nil:
		return fmt.Errorf("notification bridge is required")
	}
	return nil
}

// Gateway runs protocol sessions over explicit front ends.
type Gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metric.Registry
	engine   session.Engine
	registry Registry
	bridge   Bridge
	sup      Supervisor
	monitor  *health.Monitor

	// openSessions counts live protocol sessions across front ends. Claimed
	// from the metric registry in New and released in Stop.
	openSessions prometheus.Gauge
}

// New validates the dependency set and builds a gateway.
func New(deps Dependencies) (*Gateway, error) {
	if err := deps.validate(); err != nil {
		return nil, errors.WrapValidation(err, "Gateway", "New", "check dependencies")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = health.NewMonitor()
	}

	g := &Gateway{
		cfg:      deps.Config,
		logger:   logger,
		metrics:  deps.Metrics,
		engine:   deps.Engine,
		registry: deps.Registry,
		bridge:   deps.Bridge,
		sup:      deps.Supervisor,
		monitor:  monitor,
	}

	if g.metrics != nil {
		g.openSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shortbus_open_sessions",
			Help: "Protocol sessions currently running",
		})
		if err := g.metrics.Register("gateway", "open_sessions", g.openSessions); err != nil {
			return nil, errors.Wrap(err, "Gateway", "New", "register session gauge")
		}
	}

	return g, nil
}

// Start wires the bridge to the registry and begins watching for signals.
// Every topic signal, whatever session or process produced it, drives one
// delivery pass for that topic.
func (g *Gateway) Start(ctx context.Context) error {
	g.bridge.On(bridge.Wildcard, func(sig bridge.Signal) {
		deliverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := g.registry.Deliver(deliverCtx, sig.Topic); err != nil {
			g.logger.Warn("signal-driven delivery failed", "topic", sig.Topic, "error", err)
		}
	})

	if err := g.bridge.Start(ctx); err != nil {
		return errors.Wrap(err, "Gateway", "Start", "start notification bridge")
	}

	g.logger.Info("gateway started", "bridge_mode", g.bridge.Mode().String())
	return nil
}

// Stop tears down the bridge and the registry. Sessions end with their
// streams; Stop does not interrupt them.
func (g *Gateway) Stop(timeout time.Duration) error {
	err := g.bridge.Stop(timeout)
	g.registry.Close()
	if g.metrics != nil {
		g.metrics.Unregister("gateway", "open_sessions")
	}
	if err != nil {
		return errors.Wrap(err, "Gateway", "Stop", "stop notification bridge")
	}
	return nil
}

// RunPipe serves exactly one session over the given stream pair and returns
// when the stream ends or the session shuts down.
func (g *Gateway) RunPipe(ctx context.Context, in io.Reader, out io.Writer) error {
	s, err := g.newSession(in, out)
	if err != nil {
		return err
	}
	if g.openSessions != nil {
		g.openSessions.Inc()
		defer g.openSessions.Dec()
	}
	return s.Run(ctx)
}

func (g *Gateway) newSession(in io.Reader, out io.Writer) (*session.Session, error) {
	opts := []session.Option{
		session.WithLogger(g.logger),
		session.WithAutoCreateTopics(g.cfg.Session.AutoCreateTopics),
		session.WithGracePeriod(g.cfg.Session.GracePeriod),
	}
	if g.metrics != nil {
		opts = append(opts, session.WithMetrics(g.metrics.Core))
	}

	s, err := session.New(in, out, g.engine, g.registry, g.bridge, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "Gateway", "newSession", "create session")
	}
	return s, nil
}

// Health probes the engine and inspects the bridge, then aggregates.
func (g *Gateway) Health(ctx context.Context) health.Status {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := g.engine.Health(probeCtx); err != nil {
		g.monitor.Update(health.Unhealthy(health.ComponentEngine, "engine health check failed"))
	} else {
		g.monitor.Update(health.Healthy(health.ComponentEngine, "engine reachable"))
	}

	switch g.bridge.Mode() {
	case bridge.ModeSignaling:
		g.monitor.Update(health.Healthy(health.ComponentBridge, "filesystem signaling active"))
	default:
		g.monitor.Update(health.Degraded(health.ComponentBridge, "polling fallback active"))
	}

	g.monitor.Update(health.Healthy(health.ComponentRegistry,
		fmt.Sprintf("%d topics with subscribers", len(g.registry.Topics()))))

	if g.sup != nil {
		switch state := g.sup.Status(probeCtx); state {
		case supervisor.StateRunning:
			g.monitor.Update(health.Healthy(health.ComponentSupervisor, "engine process running"))
		case supervisor.StateCrashed:
			g.monitor.Update(health.Unhealthy(health.ComponentSupervisor, "engine process crashed"))
		default:
			// Stopped covers an engine run outside this process; the HTTP
			// probe above already answers for reachability.
			g.monitor.Update(health.Degraded(health.ComponentSupervisor, "engine process "+state.String()))
		}
	}

	return g.monitor.Overall("gateway")
}

// ensure the concrete registry satisfies the gateway surface
var _ Registry = (*subscription.Registry)(nil)
var _ Bridge = (*bridge.Notifier)(nil)
