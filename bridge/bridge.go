// Package bridge turns external topic writes into low-latency delivery
// wake-ups. The primary mode watches a signal directory of per-topic marker
// files with fsnotify; any actor that updates a marker, in-process or not,
// wakes the subscribers of that topic. When the watcher cannot initialize the
// bridge degrades to a single timer-driven poller that sweeps all active
// topics at a fixed interval.
//
// Callbacks run on a worker pool, one task per callback invocation, so a slow
// or panicking callback never stalls the watch loop or other callbacks.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/ahoward/shortbus/errors"
	"github.com/ahoward/shortbus/metric"
	"github.com/ahoward/shortbus/pkg/worker"
)

// Wildcard registers a callback for every topic's signals.
const Wildcard = "*"

// markerSuffix filters watch events down to signal markers.
const markerSuffix = ".signal"

// Mode reports how the bridge observes topic activity.
type Mode int

const (
	// ModeSignaling means filesystem watch events drive delivery.
	ModeSignaling Mode = iota
	// ModePolling means a fixed-interval sweep drives delivery.
	ModePolling
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeSignaling:
		return "signaling"
	case ModePolling:
		return "polling"
	default:
		return "unknown"
	}
}

// Signal is an ephemeral notification that a topic had activity. It carries
// no payload; consumers re-fetch from the engine.
type Signal struct {
	Topic     string         `json:"topic"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Callback handles one topic activity signal.
type Callback func(Signal)

// callbackTask is one isolated callback invocation.
type callbackTask struct {
	cb     Callback
	signal Signal
}

// Notifier is the reactive notification bridge.
type Notifier struct {
	dir     string
	logger  *slog.Logger
	metrics *metric.Metrics

	pollInterval time.Duration
	pollTopics   func() []string
	pollingOnly  bool

	pool    *worker.Pool[callbackTask]
	watcher *fsnotify.Watcher
	mode    Mode

	mu        sync.RWMutex
	callbacks map[string][]Callback
	debounce  map[string]*debouncer
	started   bool
	stopped   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a bridge signaling through dir.
func New(dir string, opts ...Option) (*Notifier, error) {
	if dir == "" {
		return nil, errors.WrapValidation(
			fmt.Errorf("signal directory is required"),
			"Notifier", "New", "validate dir")
	}

	n := &Notifier{
		dir:          dir,
		logger:       slog.Default(),
		pollInterval: 100 * time.Millisecond,
		callbacks:    make(map[string][]Callback),
		debounce:     make(map[string]*debouncer),
		done:         make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, errors.WrapValidation(err, "Notifier", "New", "apply option")
		}
	}

	n.pool = worker.NewPool(4, 512, n.runCallback)
	return n, nil
}

// Dir returns the signal directory.
func (n *Notifier) Dir() string {
	return n.dir
}

// Mode reports the active observation mode. Valid after Start.
func (n *Notifier) Mode() Mode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mode
}

// On registers a callback for a topic. Use Wildcard to receive every topic's
// signals.
func (n *Notifier) On(topic string, cb Callback) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks[topic] = append(n.callbacks[topic], cb)
}

// Start initializes the signal directory and begins observing it. A watcher
// initialization failure is not fatal: the bridge logs it and falls back to
// polling.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.Wrap(worker.ErrPoolAlreadyStarted, "Notifier", "Start", "start bridge")
	}
	n.started = true
	n.mu.Unlock()

	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		return errors.Wrap(err, "Notifier", "Start", "create signal directory")
	}

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if err := n.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Notifier", "Start", "start callback pool")
	}

	if n.pollingOnly {
		n.setMode(ModePolling)
		go n.pollLoop(ctx)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(n.dir)
	}
	if err != nil {
		n.logger.Warn("filesystem watch unavailable, falling back to polling",
			"dir", n.dir, "interval", n.pollInterval, "error", err)
		n.setMode(ModePolling)
		go n.pollLoop(ctx)
		return nil
	}

	n.watcher = watcher
	n.setMode(ModeSignaling)
	go n.watchLoop(ctx)
	return nil
}

func (n *Notifier) setMode(m Mode) {
	n.mu.Lock()
	n.mode = m
	n.mu.Unlock()
}

// Trigger records topic activity: it writes the topic's marker entry with the
// current timestamp and metadata. Bounded, small, local I/O only; the publish
// path calls this fire-and-forget.
func (n *Notifier) Trigger(topic string, metadata map[string]any) error {
	if topic == "" {
		return errors.WrapValidation(errors.ErrMissingTopic, "Notifier", "Trigger", "validate topic")
	}

	sig := Signal{Topic: topic, Timestamp: time.Now(), Metadata: metadata}
	data, err := json.Marshal(sig)
	if err != nil {
		return errors.Wrap(err, "Notifier", "Trigger", "encode signal")
	}

	if err := os.WriteFile(n.markerPath(topic), data, 0o644); err != nil {
		return errors.Wrap(err, "Notifier", "Trigger", "write marker")
	}

	if n.metrics != nil {
		n.metrics.TriggersTotal.Inc()
	}

	// In polling mode there is no watcher to bounce the marker back, so
	// dispatch locally for signal-path latency.
	if n.Mode() == ModePolling {
		n.dispatch(sig)
	}
	return nil
}

// Stop shuts down the watch or poll loop and drains the callback pool.
func (n *Notifier) Stop(timeout time.Duration) error {
	n.mu.Lock()
	if !n.started || n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	for _, d := range n.debounce {
		d.stop()
	}
	n.mu.Unlock()

	n.cancel()
	if n.watcher != nil {
		_ = n.watcher.Close()
	}

	select {
	case <-n.done:
	case <-time.After(timeout):
		return errors.Wrap(errors.ErrBridgeStopped, "Notifier", "Stop", "wait for loop exit")
	}

	return n.pool.Stop(timeout)
}

// watchLoop consumes fsnotify events until the context is cancelled or the
// watcher dies. A watcher failure mid-run degrades to polling.
func (n *Notifier) watchLoop(ctx context.Context) {
	defer close(n.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-n.watcher.Events:
			if !ok {
				n.degrade(ctx)
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			topic, ok := topicFromMarker(ev.Name)
			if !ok {
				continue
			}
			n.observe(topic)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				n.degrade(ctx)
				return
			}
			n.logger.Warn("watcher error", "error", err)
		}
	}
}

// degrade switches a broken watcher over to the polling fallback.
func (n *Notifier) degrade(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n.logger.Warn("filesystem watch lost, degrading to polling", "interval", n.pollInterval)
	n.setMode(ModePolling)
	go func() {
		n.pollLoopBody(ctx)
	}()
}

// pollLoop is the fallback scheduler: one ticker sweeping every active topic,
// regardless of subscriber count.
func (n *Notifier) pollLoop(ctx context.Context) {
	defer close(n.done)
	n.pollLoopBody(ctx)
}

func (n *Notifier) pollLoopBody(ctx context.Context) {
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sweep()
		}
	}
}

// sweep dispatches a synthetic signal for every active topic.
func (n *Notifier) sweep() {
	var topics []string
	if n.pollTopics != nil {
		topics = n.pollTopics()
	} else {
		n.mu.RLock()
		for topic := range n.callbacks {
			if topic != Wildcard {
				topics = append(topics, topic)
			}
		}
		n.mu.RUnlock()
	}

	now := time.Now()
	for _, topic := range topics {
		n.dispatch(Signal{Topic: topic, Timestamp: now})
	}
}

// observe handles one watch event for a topic, coalescing bursts through the
// topic's debouncer.
func (n *Notifier) observe(topic string) {
	if n.metrics != nil {
		n.metrics.SignalsObserved.Inc()
	}

	n.mu.Lock()
	d, ok := n.debounce[topic]
	if !ok {
		d = newDebouncer(rate.Every(10*time.Millisecond), func() {
			n.dispatch(Signal{Topic: topic, Timestamp: time.Now()})
		})
		n.debounce[topic] = d
	}
	n.mu.Unlock()

	d.hit()
}

// dispatch fans a signal out to the topic's callbacks and all wildcard
// callbacks, one pool task per callback.
func (n *Notifier) dispatch(sig Signal) {
	n.mu.RLock()
	cbs := make([]Callback, 0, len(n.callbacks[sig.Topic])+len(n.callbacks[Wildcard]))
	cbs = append(cbs, n.callbacks[sig.Topic]...)
	cbs = append(cbs, n.callbacks[Wildcard]...)
	n.mu.RUnlock()

	for _, cb := range cbs {
		if err := n.pool.Submit(callbackTask{cb: cb, signal: sig}); err != nil {
			n.logger.Warn("callback dropped", "topic", sig.Topic, "error", err)
		}
	}
}

// runCallback executes one callback with panic isolation. A failing callback
// is logged and counted; other callbacks are unaffected.
func (n *Notifier) runCallback(_ context.Context, task callbackTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapCallback(
				fmt.Errorf("callback panic: %v", r),
				"Notifier", "runCallback", "invoke callback")
			n.logger.Error("notification callback panicked",
				"topic", task.signal.Topic, "panic", r)
			if n.metrics != nil {
				n.metrics.CallbackErrors.Inc()
			}
		}
	}()

	task.cb(task.signal)
	return nil
}

// markerPath maps a topic to its marker file. Topic names are escaped so any
// topic is a valid single path element.
func (n *Notifier) markerPath(topic string) string {
	return filepath.Join(n.dir, url.PathEscape(topic)+markerSuffix)
}

// topicFromMarker recovers the topic from a marker path, rejecting
// non-marker files.
func topicFromMarker(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, markerSuffix) {
		return "", false
	}
	topic, err := url.PathUnescape(strings.TrimSuffix(base, markerSuffix))
	if err != nil || topic == "" {
		return "", false
	}
	return topic, true
}
