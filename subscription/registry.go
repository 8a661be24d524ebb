// Package subscription maintains the topic to subscriber mapping and fans
// newly available messages out to every active subscription of a topic.
//
// Each subscription owns a monotonic next-offset cursor into its topic's
// message sequence. Delivery is at-least-once: the cursor only advances after
// the message event has been handed to the emitter, so a crash between fetch
// and advance redelivers rather than skips.
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ahoward/shortbus/engineclient"
	"github.com/ahoward/shortbus/errors"
	"github.com/ahoward/shortbus/metric"
	"github.com/ahoward/shortbus/protocol"
)

// fetchBatchSize bounds one engine fetch; deliver loops until a short batch.
const fetchBatchSize = 256

// Fetcher is the engine surface the registry needs.
type Fetcher interface {
	Fetch(ctx context.Context, topic string, offset int64, limit int) ([]engineclient.Message, error)
}

// Emitter receives message events for one subscriber. Implementations must be
// safe for concurrent use; the protocol session serializes its output writes.
type Emitter interface {
	EmitMessage(ev protocol.MessageEvent) error
}

// Subscription tracks one subscriber's position in a topic.
type Subscription struct {
	Topic      string
	Key        string // correlation context of the originating subscribe
	nextOffset int64 // guarded by the owning topicState's subsMu
	emitter    Emitter
}

// topicState holds the subscriptions of one topic. subsMu guards the map and
// offsets; deliverMu serializes deliveries so per-subscription order is
// strictly increasing. Unrelated topics never contend.
type topicState struct {
	subsMu    sync.Mutex
	deliverMu sync.Mutex
	subs      map[string]*Subscription
}

// Registry is the shared topic to subscriptions map.
type Registry struct {
	fetcher Fetcher
	logger  *slog.Logger
	metrics *metric.Metrics

	mu     sync.RWMutex
	topics map[string]*topicState
	closed bool
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(fetcher Fetcher, logger *slog.Logger, metrics *metric.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		fetcher: fetcher,
		logger:  logger,
		metrics: metrics,
		topics:  make(map[string]*topicState),
	}
}

// Register adds a subscription for (topic, key) starting at startOffset and
// kicks off an asynchronous catch-up delivery for messages already stored at
// or above that offset. Re-registering the same pair replaces the previous
// subscription.
func (r *Registry) Register(ctx context.Context, topic, key string, startOffset int64, em Emitter) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.ErrRegistryClosed
	}
	ts, ok := r.topics[topic]
	if !ok {
		ts = &topicState{subs: make(map[string]*Subscription)}
		r.topics[topic] = ts
	}
	r.mu.Unlock()

	ts.subsMu.Lock()
	_, replaced := ts.subs[key]
	ts.subs[key] = &Subscription{
		Topic:      topic,
		Key:        key,
		nextOffset: startOffset,
		emitter:    em,
	}
	ts.subsMu.Unlock()

	if r.metrics != nil && !replaced {
		r.metrics.ActiveSubscriptions.Inc()
	}

	r.logger.Debug("subscription registered",
		"topic", topic, "key", key, "start_offset", startOffset)

	// Catch-up for history already at or above startOffset.
	go func() {
		if err := r.Deliver(ctx, topic); err != nil {
			r.logger.Warn("catch-up delivery failed", "topic", topic, "error", err)
		}
	}()

	return nil
}

// Deregister removes the subscription for (topic, key). Removing an absent
// subscription is a no-op. An in-flight deliver for the removed subscription
// is dropped, not an error.
func (r *Registry) Deregister(topic, key string) {
	r.mu.RLock()
	ts, ok := r.topics[topic]
	r.mu.RUnlock()
	if !ok {
		return
	}

	ts.subsMu.Lock()
	_, existed := ts.subs[key]
	delete(ts.subs, key)
	ts.subsMu.Unlock()

	if existed {
		if r.metrics != nil {
			r.metrics.ActiveSubscriptions.Dec()
		}
		r.logger.Debug("subscription removed", "topic", topic, "key", key)
	}
}

// DeregisterAll removes every subscription registered under key, across all
// topics. Used when a session ends.
func (r *Registry) DeregisterAll(key string) {
	r.mu.RLock()
	states := make([]*topicState, 0, len(r.topics))
	for _, ts := range r.topics {
		states = append(states, ts)
	}
	r.mu.RUnlock()

	for _, ts := range states {
		ts.subsMu.Lock()
		_, existed := ts.subs[key]
		delete(ts.subs, key)
		ts.subsMu.Unlock()
		if existed && r.metrics != nil {
			r.metrics.ActiveSubscriptions.Dec()
		}
	}
}

// Topics returns the topics that currently have at least one subscription.
// The fallback poller iterates this list.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.topics))
	for name, ts := range r.topics {
		ts.subsMu.Lock()
		n := len(ts.subs)
		ts.subsMu.Unlock()
		if n > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Deliver fetches new messages for every subscription on topic and emits one
// message event per result, advancing each cursor past what was delivered.
// Deliveries for the same topic are serialized; different topics proceed
// concurrently.
func (r *Registry) Deliver(ctx context.Context, topic string) error {
	r.mu.RLock()
	ts, ok := r.topics[topic]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return errors.ErrRegistryClosed
	}
	if !ok {
		return nil // signal for a topic nobody subscribes to
	}

	ts.deliverMu.Lock()
	defer ts.deliverMu.Unlock()

	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.DeliverDuration.Observe(time.Since(start).Seconds())
		}
	}()

	ts.subsMu.Lock()
	snapshot := make([]*Subscription, 0, len(ts.subs))
	for _, sub := range ts.subs {
		snapshot = append(snapshot, sub)
	}
	ts.subsMu.Unlock()

	var firstErr error
	for _, sub := range snapshot {
		if err := r.deliverToSubscription(ctx, ts, sub); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deliverToSubscription drains new messages for one subscription. Fetches run
// without the subs lock; emit and offset advance re-check registration so a
// concurrent deregister drops the delivery instead of resurrecting it.
func (r *Registry) deliverToSubscription(ctx context.Context, ts *topicState, sub *Subscription) error {
	for {
		ts.subsMu.Lock()
		current, registered := ts.subs[sub.Key]
		offset := sub.nextOffset
		ts.subsMu.Unlock()
		if !registered || current != sub {
			return nil
		}

		msgs, err := r.fetcher.Fetch(ctx, sub.Topic, offset, fetchBatchSize)
		if err != nil {
			return errors.Wrap(err, "Registry", "Deliver", "fetch "+sub.Topic)
		}
		if len(msgs) == 0 {
			return nil
		}

		ts.subsMu.Lock()
		current, registered = ts.subs[sub.Key]
		if !registered || current != sub {
			ts.subsMu.Unlock()
			return nil
		}

		delivered := 0
		var emitErr error
		for _, msg := range msgs {
			if msg.ID < sub.nextOffset {
				continue // already seen under this cursor
			}
			ev := protocol.MessageEvent{
				Type:      "message",
				Topic:     msg.Topic,
				ID:        msg.ID,
				Payload:   msg.Payload,
				Metadata:  msg.Metadata,
				Timestamp: msg.Timestamp,
			}
			if err := sub.emitter.EmitMessage(ev); err != nil {
				emitErr = err
				break
			}
			sub.nextOffset = msg.ID + 1
			delivered++
		}
		ts.subsMu.Unlock()

		if r.metrics != nil && delivered > 0 {
			r.metrics.MessagesDelivered.Add(float64(delivered))
		}
		if emitErr != nil {
			// Cursor stays at the failed message; redelivery over loss.
			return errors.Wrap(emitErr, "Registry", "Deliver", "emit "+sub.Topic)
		}
		if len(msgs) < fetchBatchSize {
			return nil
		}
	}
}

// Close marks the registry closed and drops all subscriptions. Subsequent
// Register and Deliver calls fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true

	// Empty every topic's map under its lock so an in-flight Deliver holding
	// the topicState stops emitting.
	for _, ts := range r.topics {
		ts.subsMu.Lock()
		if r.metrics != nil {
			r.metrics.ActiveSubscriptions.Sub(float64(len(ts.subs)))
		}
		ts.subs = make(map[string]*Subscription)
		ts.subsMu.Unlock()
	}
	r.topics = make(map[string]*topicState)
}
