package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahoward/shortbus/bridge"
	"github.com/ahoward/shortbus/config"
	"github.com/ahoward/shortbus/engineclient"
	"github.com/ahoward/shortbus/errors"
	"github.com/ahoward/shortbus/health"
	"github.com/ahoward/shortbus/metric"
	"github.com/ahoward/shortbus/subscription"
	"github.com/ahoward/shortbus/supervisor"
)

type fakeEngine struct {
	mu      sync.Mutex
	healthy bool
	nextID  int64
}

func (f *fakeEngine) CreateTopic(_ context.Context, _ string) error { return nil }

func (f *fakeEngine) Publish(_ context.Context, _, _ string, _ map[string]any) (engineclient.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return engineclient.PublishResult{ID: f.nextID, Timestamp: time.Now().Unix()}, nil
}

func (f *fakeEngine) ListTopics(_ context.Context) ([]string, error) { return nil, nil }

func (f *fakeEngine) Health(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return errors.ErrEngineUnhealthy
	}
	return nil
}

type fakeRegistry struct {
	mu        sync.Mutex
	delivered []string
	closed    bool
}

func (f *fakeRegistry) Register(_ context.Context, _, _ string, _ int64, _ subscription.Emitter) error {
	return nil
}
func (f *fakeRegistry) Deregister(_, _ string) {}
func (f *fakeRegistry) DeregisterAll(_ string) {}

func (f *fakeRegistry) Deliver(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, topic)
	return nil
}

func (f *fakeRegistry) Topics() []string { return nil }

func (f *fakeRegistry) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeRegistry) deliveredTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

type fakeBridge struct {
	mu        sync.Mutex
	callbacks map[string][]bridge.Callback
	triggered []string
	mode      bridge.Mode
	started   bool
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{callbacks: make(map[string][]bridge.Callback), mode: bridge.ModeSignaling}
}

func (f *fakeBridge) On(topic string, cb bridge.Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[topic] = append(f.callbacks[topic], cb)
}

func (f *fakeBridge) Trigger(topic string, _ map[string]any) error {
	f.mu.Lock()
	f.triggered = append(f.triggered, topic)
	cbs := append(append([]bridge.Callback(nil), f.callbacks[topic]...), f.callbacks[bridge.Wildcard]...)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(bridge.Signal{Topic: topic, Timestamp: time.Now()})
	}
	return nil
}

func (f *fakeBridge) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeBridge) Stop(_ time.Duration) error { return nil }
func (f *fakeBridge) Mode() bridge.Mode          { return f.mode }

type fakeSupervisor struct {
	mu    sync.Mutex
	state supervisor.State
}

func (f *fakeSupervisor) Status(_ context.Context) supervisor.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSupervisor) setState(state supervisor.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func newTestGateway(t *testing.T) (*Gateway, *fakeEngine, *fakeRegistry, *fakeBridge) {
	t.Helper()

	engine := &fakeEngine{healthy: true}
	registry := &fakeRegistry{}
	br := newFakeBridge()

	g, err := New(Dependencies{
		Config:   config.Default(),
		Engine:   engine,
		Registry: registry,
		Bridge:   br,
	})
	require.NoError(t, err)
	return g, engine, registry, br
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")

	_, err = New(Dependencies{Config: config.Default()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine client is required")
}

func TestStartWiresSignalsToDelivery(t *testing.T) {
	g, _, registry, br := newTestGateway(t)

	require.NoError(t, g.Start(context.Background()))
	assert.True(t, br.started)

	// A signal from any source drives one delivery pass for its topic.
	require.NoError(t, br.Trigger("events", nil))
	assert.Equal(t, []string{"events"}, registry.deliveredTopics())
}

func TestStopClosesRegistry(t *testing.T) {
	g, _, registry, _ := newTestGateway(t)
	require.NoError(t, g.Start(context.Background()))
	require.NoError(t, g.Stop(time.Second))
	assert.True(t, registry.closed)
}

func TestRunPipePublishTriggersBridge(t *testing.T) {
	g, _, registry, br := newTestGateway(t)
	require.NoError(t, g.Start(context.Background()))

	in := strings.NewReader(`{"op":"publish","topic":"events","payload":"hi","request_id":1}` + "\n")
	var out bytes.Buffer

	require.NoError(t, g.RunPipe(context.Background(), in, &out))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "published", resp["op"])

	// Publish signaled the bridge, which drove delivery for the topic.
	assert.Contains(t, br.triggered, "events")
	assert.Contains(t, registry.deliveredTopics(), "events")
}

func TestHealthzHealthy(t *testing.T) {
	g, _, _, _ := newTestGateway(t)

	rec := httptest.NewRecorder()
	g.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status["state"])
}

func TestHealthzEngineDown(t *testing.T) {
	g, engine, _, _ := newTestGateway(t)
	engine.mu.Lock()
	engine.healthy = false
	engine.mu.Unlock()

	rec := httptest.NewRecorder()
	g.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthzDegradedOnPolling(t *testing.T) {
	g, _, _, br := newTestGateway(t)
	br.mode = bridge.ModePolling

	rec := httptest.NewRecorder()
	g.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	// Degraded still serves.
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status["state"])
}

func TestHealthReportsSupervisorAndRegistry(t *testing.T) {
	sup := &fakeSupervisor{state: supervisor.StateRunning}
	g, err := New(Dependencies{
		Config:     config.Default(),
		Engine:     &fakeEngine{healthy: true},
		Registry:   &fakeRegistry{},
		Bridge:     newFakeBridge(),
		Supervisor: sup,
	})
	require.NoError(t, err)

	status := g.Health(context.Background())
	require.True(t, status.IsHealthy())

	components := make(map[string]health.Status, len(status.SubStatuses))
	for _, sub := range status.SubStatuses {
		components[sub.Component] = sub
	}
	assert.True(t, components[health.ComponentRegistry].IsHealthy())
	assert.True(t, components[health.ComponentSupervisor].IsHealthy())

	// A crashed engine process turns the aggregate unhealthy.
	sup.setState(supervisor.StateCrashed)
	assert.True(t, g.Health(context.Background()).IsUnhealthy())

	// An engine run outside this process only degrades the aggregate; the
	// direct HTTP probe still answers for reachability.
	sup.setState(supervisor.StateStopped)
	assert.True(t, g.Health(context.Background()).IsDegraded())
}

func TestOpenSessionsGaugeClaimedForGatewayLifetime(t *testing.T) {
	metrics := metric.NewRegistry()
	g, err := New(Dependencies{
		Config:   config.Default(),
		Engine:   &fakeEngine{healthy: true},
		Registry: &fakeRegistry{},
		Bridge:   newFakeBridge(),
		Metrics:  metrics,
	})
	require.NoError(t, err)

	dup := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortbus_open_sessions",
		Help: "Protocol sessions currently running",
	})
	require.Error(t, metrics.Register("gateway", "open_sessions", dup),
		"the gauge is held while the gateway lives")

	require.NoError(t, g.Stop(time.Second))
	require.NoError(t, metrics.Register("gateway", "open_sessions", dup),
		"Stop releases the gauge for the next gateway")
}

func TestWebSocketSession(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	require.NoError(t, g.Start(context.Background()))

	upgrader := websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}
	server := httptest.NewServer(g.handleWS(context.Background(), &upgrader))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"op":"ping","request_id":1}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "pong", resp["op"])
	assert.Equal(t, float64(1), resp["request_id"])
}

func TestWebSocketMultipleCommandsOneMessageEach(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	require.NoError(t, g.Start(context.Background()))

	upgrader := websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}
	server := httptest.NewServer(g.handleWS(context.Background(), &upgrader))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(fmt.Sprintf(`{"op":"ping","request_id":%d}`, i))))
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	seen := make(map[float64]bool)
	for i := 0; i < 3; i++ {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(data, &resp))
		id, ok := resp["request_id"].(float64)
		require.True(t, ok)
		seen[id] = true
	}
	assert.Len(t, seen, 3)
}
