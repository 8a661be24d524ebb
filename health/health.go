// Package health tracks per-component health for the gateway: the engine
// connection, the notification bridge, and the supervised engine process.
// Statuses aggregate into one answer for the /healthz endpoint.
package health

import (
	"sync"
	"time"
)

// Well-known component names reported by the gateway.
const (
	ComponentEngine     = "engine"
	ComponentBridge     = "bridge"
	ComponentSupervisor = "supervisor"
	ComponentRegistry   = "registry"
)

// Status is the health of one component at a point in time.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	State       string    `json:"state"` // healthy, degraded, unhealthy
	Message     string    `json:"message,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy reports whether the component is fully operational.
func (s Status) IsHealthy() bool { return s.State == "healthy" }

// IsDegraded reports whether the component works with reduced guarantees,
// such as the bridge running on its polling fallback.
func (s Status) IsDegraded() bool { return s.State == "degraded" }

// IsUnhealthy reports whether the component is not operational.
func (s Status) IsUnhealthy() bool { return s.State == "unhealthy" }

// Healthy builds a healthy status for a component.
func Healthy(component, message string) Status {
	return Status{Component: component, Healthy: true, State: "healthy", Message: message, CheckedAt: time.Now()}
}

// Degraded builds a degraded status for a component.
func Degraded(component, message string) Status {
	return Status{Component: component, Healthy: false, State: "degraded", Message: message, CheckedAt: time.Now()}
}

// Unhealthy builds an unhealthy status for a component.
func Unhealthy(component, message string) Status {
	return Status{Component: component, Healthy: false, State: "unhealthy", Message: message, CheckedAt: time.Now()}
}

// Aggregate combines sub-statuses into one: any unhealthy member makes the
// aggregate unhealthy, otherwise any degraded member makes it degraded.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return Healthy(component, "no components reporting")
	}

	var unhealthy, degraded bool
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			unhealthy = true
		case sub.IsDegraded():
			degraded = true
		}
	}

	var agg Status
	switch {
	case unhealthy:
		agg = Unhealthy(component, "one or more components unhealthy")
	case degraded:
		agg = Degraded(component, "one or more components degraded")
	default:
		agg = Healthy(component, "all components healthy")
	}

	agg.SubStatuses = make([]Status, len(subs))
	copy(agg.SubStatuses, subs)
	return agg
}

// Monitor holds the latest status per component.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records the latest status for a component.
func (m *Monitor) Update(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if status.CheckedAt.IsZero() {
		status.CheckedAt = time.Now()
	}
	m.statuses[status.Component] = status
}

// Get returns the latest status for a component.
func (m *Monitor) Get(component string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[component]
	return status, ok
}

// Overall aggregates all recorded statuses under the given name.
func (m *Monitor) Overall(name string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	return Aggregate(name, subs)
}
