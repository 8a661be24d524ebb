package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahoward/shortbus/engineclient"
	"github.com/ahoward/shortbus/errors"
	"github.com/ahoward/shortbus/protocol"
)

// memFetcher is an in-memory engine: topics of append-only messages with
// ids assigned from 0.
type memFetcher struct {
	mu     sync.Mutex
	topics map[string][]engineclient.Message
	fails  bool
}

func newMemFetcher() *memFetcher {
	return &memFetcher{topics: make(map[string][]engineclient.Message)}
}

func (f *memFetcher) append(topic, payload string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.topics[topic]))
	f.topics[topic] = append(f.topics[topic], engineclient.Message{
		Topic:     topic,
		ID:        id,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	})
	return id
}

func (f *memFetcher) Fetch(_ context.Context, topic string, offset int64, limit int) ([]engineclient.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails {
		return nil, errors.ErrEngineUnreachable
	}
	var out []engineclient.Message
	for _, m := range f.topics[topic] {
		if m.ID >= offset {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// captureEmitter records emitted events.
type captureEmitter struct {
	mu     sync.Mutex
	events []protocol.MessageEvent
	fail   bool
}

func (e *captureEmitter) EmitMessage(ev protocol.MessageEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return fmt.Errorf("emit failed")
	}
	e.events = append(e.events, ev)
	return nil
}

func (e *captureEmitter) snapshot() []protocol.MessageEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.MessageEvent, len(e.events))
	copy(out, e.events)
	return out
}

func TestDeliverFansOutInOrder(t *testing.T) {
	fetcher := newMemFetcher()
	registry := NewRegistry(fetcher, nil, nil)
	em := &captureEmitter{}

	require.NoError(t, registry.Register(context.Background(), "events", "s1", 0, em))

	for i := 0; i < 5; i++ {
		fetcher.append("events", fmt.Sprintf("msg-%d", i))
	}
	require.NoError(t, registry.Deliver(context.Background(), "events"))

	events := em.snapshot()
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, "message", ev.Type)
		assert.Equal(t, int64(i), ev.ID)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), ev.Payload)
	}
}

func TestDeliverIsIdempotentAcrossCalls(t *testing.T) {
	fetcher := newMemFetcher()
	registry := NewRegistry(fetcher, nil, nil)
	em := &captureEmitter{}

	require.NoError(t, registry.Register(context.Background(), "events", "s1", 0, em))
	fetcher.append("events", "one")

	require.NoError(t, registry.Deliver(context.Background(), "events"))
	require.NoError(t, registry.Deliver(context.Background(), "events"))

	assert.Len(t, em.snapshot(), 1, "already delivered messages must not re-emit")
}

func TestRegisterCatchUpDeliversHistory(t *testing.T) {
	fetcher := newMemFetcher()
	registry := NewRegistry(fetcher, nil, nil)
	em := &captureEmitter{}

	fetcher.append("events", "old-0")
	fetcher.append("events", "old-1")

	require.NoError(t, registry.Register(context.Background(), "events", "s1", 0, em))

	require.Eventually(t, func() bool {
		return len(em.snapshot()) == 2
	}, time.Second, 5*time.Millisecond, "catch-up should deliver stored history")
}

func TestRegisterStartOffsetSkipsSeenMessages(t *testing.T) {
	fetcher := newMemFetcher()
	registry := NewRegistry(fetcher, nil, nil)
	em := &captureEmitter{}

	for i := 0; i < 4; i++ {
		fetcher.append("events", fmt.Sprintf("msg-%d", i))
	}

	require.NoError(t, registry.Register(context.Background(), "events", "s1", 2, em))

	require.Eventually(t, func() bool {
		return len(em.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	events := em.snapshot()
	assert.Equal(t, int64(2), events[0].ID)
	assert.Equal(t, int64(3), events[1].ID)
}

func TestDeregisterStopsDelivery(t *testing.T) {
	fetcher := newMemFetcher()
	registry := NewRegistry(fetcher, nil, nil)
	em := &captureEmitter{}

	require.NoError(t, registry.Register(context.Background(), "events", "s1", 0, em))
	registry.Deregister("events", "s1")

	fetcher.append("events", "late")
	require.NoError(t, registry.Deliver(context.Background(), "events"))

	assert.Empty(t, em.snapshot(), "no delivery after deregistration completes")
}

func TestDeregisterAbsentIsNoOp(t *testing.T) {
	registry := NewRegistry(newMemFetcher(), nil, nil)
	registry.Deregister("events", "never-registered")
	registry.Deregister("no-such-topic", "s1")
}

func TestDeregisterAll(t *testing.T) {
	fetcher := newMemFetcher()
	registry := NewRegistry(fetcher, nil, nil)
	em := &captureEmitter{}

	require.NoError(t, registry.Register(context.Background(), "a", "s1", 0, em))
	require.NoError(t, registry.Register(context.Background(), "b", "s1", 0, em))
	require.NoError(t, registry.Register(context.Background(), "a", "s2", 0, em))

	registry.DeregisterAll("s1")

	fetcher.append("a", "x")
	fetcher.append("b", "y")
	require.NoError(t, registry.Deliver(context.Background(), "a"))
	require.NoError(t, registry.Deliver(context.Background(), "b"))

	events := em.snapshot()
	require.Len(t, events, 1, "only s2's subscription on topic a survives")
	assert.Equal(t, "a", events[0].Topic)
}

func TestDeliverUnknownTopic(t *testing.T) {
	registry := NewRegistry(newMemFetcher(), nil, nil)
	assert.NoError(t, registry.Deliver(context.Background(), "nobody-listens"))
}

func TestDeliverMultipleSubscribersIndependentCursors(t *testing.T) {
	fetcher := newMemFetcher()
	registry := NewRegistry(fetcher, nil, nil)
	em1 := &captureEmitter{}
	em2 := &captureEmitter{}

	require.NoError(t, registry.Register(context.Background(), "events", "s1", 0, em1))
	fetcher.append("events", "first")
	require.NoError(t, registry.Deliver(context.Background(), "events"))

	// Second subscriber joins later at offset 0 and gets the history too.
	require.NoError(t, registry.Register(context.Background(), "events", "s2", 0, em2))
	fetcher.append("events", "second")
	require.NoError(t, registry.Deliver(context.Background(), "events"))

	require.Eventually(t, func() bool {
		return len(em1.snapshot()) == 2 && len(em2.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	for _, em := range []*captureEmitter{em1, em2} {
		events := em.snapshot()
		assert.Equal(t, int64(0), events[0].ID)
		assert.Equal(t, int64(1), events[1].ID)
	}
}

func TestEmitFailureDoesNotAdvanceCursor(t *testing.T) {
	fetcher := newMemFetcher()
	registry := NewRegistry(fetcher, nil, nil)
	em := &captureEmitter{fail: true}

	require.NoError(t, registry.Register(context.Background(), "events", "s1", 0, em))
	fetcher.append("events", "hello")

	err := registry.Deliver(context.Background(), "events")
	require.Error(t, err)

	// Emitter recovers; the same message is redelivered, never skipped.
	em.mu.Lock()
	em.fail = false
	em.mu.Unlock()

	require.NoError(t, registry.Deliver(context.Background(), "events"))
	events := em.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, int64(0), events[0].ID)
}

func TestFetchErrorPropagates(t *testing.T) {
	fetcher := newMemFetcher()
	fetcher.fails = true
	registry := NewRegistry(fetcher, nil, nil)

	// Register's async catch-up will also fail; that is logged, not fatal.
	require.NoError(t, registry.Register(context.Background(), "events", "s1", 0, &captureEmitter{}))

	err := registry.Deliver(context.Background(), "events")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEngineUnreachable)
}

func TestTopics(t *testing.T) {
	registry := NewRegistry(newMemFetcher(), nil, nil)
	em := &captureEmitter{}

	require.NoError(t, registry.Register(context.Background(), "a", "s1", 0, em))
	require.NoError(t, registry.Register(context.Background(), "b", "s1", 0, em))
	registry.Deregister("b", "s1")

	topics := registry.Topics()
	assert.Equal(t, []string{"a"}, topics)
}

func TestClose(t *testing.T) {
	registry := NewRegistry(newMemFetcher(), nil, nil)
	require.NoError(t, registry.Register(context.Background(), "a", "s1", 0, &captureEmitter{}))

	registry.Close()
	registry.Close() // idempotent

	assert.ErrorIs(t, registry.Register(context.Background(), "a", "s1", 0, &captureEmitter{}), errors.ErrRegistryClosed)
	assert.ErrorIs(t, registry.Deliver(context.Background(), "a"), errors.ErrRegistryClosed)
}

// gatedFetcher blocks one armed Fetch call so a test can act while a
// delivery pass is in flight between the registry locks.
type gatedFetcher struct {
	*memFetcher

	gateMu  sync.Mutex
	armed   bool
	calls   int
	entered chan struct{}
	release chan struct{}
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{
		memFetcher: newMemFetcher(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (f *gatedFetcher) arm() {
	f.gateMu.Lock()
	f.armed = true
	f.gateMu.Unlock()
}

func (f *gatedFetcher) fetchCalls() int {
	f.gateMu.Lock()
	defer f.gateMu.Unlock()
	return f.calls
}

func (f *gatedFetcher) Fetch(ctx context.Context, topic string, offset int64, limit int) ([]engineclient.Message, error) {
	f.gateMu.Lock()
	f.calls++
	armed := f.armed
	f.armed = false
	f.gateMu.Unlock()

	if armed {
		close(f.entered)
		<-f.release
	}
	return f.memFetcher.Fetch(ctx, topic, offset, limit)
}

func TestCloseStopsInFlightDeliver(t *testing.T) {
	fetcher := newGatedFetcher()
	registry := NewRegistry(fetcher, nil, nil)
	em := &captureEmitter{}

	require.NoError(t, registry.Register(context.Background(), "events", "s1", 0, em))

	// Let the registration catch-up pass finish against the empty topic
	// before arming the gate.
	require.Eventually(t, func() bool {
		return fetcher.fetchCalls() >= 1
	}, time.Second, 5*time.Millisecond)

	fetcher.append("events", "hello")
	fetcher.arm()

	done := make(chan error, 1)
	go func() { done <- registry.Deliver(context.Background(), "events") }()

	// The delivery pass is parked inside Fetch, holding no registry locks.
	<-fetcher.entered
	registry.Close()
	close(fetcher.release)

	require.NoError(t, <-done)
	assert.Empty(t, em.snapshot(), "a delivery in flight at Close must not emit")
	assert.ErrorIs(t, registry.Deliver(context.Background(), "events"), errors.ErrRegistryClosed)
}

func TestConcurrentPublishDeliver(t *testing.T) {
	fetcher := newMemFetcher()
	registry := NewRegistry(fetcher, nil, nil)
	em := &captureEmitter{}

	require.NoError(t, registry.Register(context.Background(), "events", "s1", 0, em))

	const total = 50
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			fetcher.append("events", fmt.Sprintf("msg-%d", n))
			_ = registry.Deliver(context.Background(), "events")
		}(i)
	}
	wg.Wait()
	require.NoError(t, registry.Deliver(context.Background(), "events"))

	require.Eventually(t, func() bool {
		return len(em.snapshot()) == total
	}, 2*time.Second, 10*time.Millisecond)

	events := em.snapshot()
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].ID, events[i-1].ID, "per-subscription ids strictly increasing")
	}
}
