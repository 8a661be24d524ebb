// Package session implements the duplex protocol session: one ordered byte
// stream in, newline-delimited commands; one ordered byte stream out,
// responses correlated by request_id interleaved with unsolicited message
// events.
//
// Commands are parsed in arrival order and dispatched concurrently; output
// writes are serialized through a single encoder. Callers correlate by
// request_id and topic, never by arrival order.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahoward/shortbus/engineclient"
	"github.com/ahoward/shortbus/errors"
	"github.com/ahoward/shortbus/metric"
	"github.com/ahoward/shortbus/protocol"
	"github.com/ahoward/shortbus/subscription"
)

// maxLineBytes bounds one input line.
const maxLineBytes = 1 << 20

// Engine is the engine surface the session needs.
type Engine interface {
	CreateTopic(ctx context.Context, name string) error
	Publish(ctx context.Context, topic, payload string, metadata map[string]any) (engineclient.PublishResult, error)
	ListTopics(ctx context.Context) ([]string, error)
	Health(ctx context.Context) error
}

// Registrar is the subscription registry surface the session needs.
type Registrar interface {
	Register(ctx context.Context, topic, key string, startOffset int64, em subscription.Emitter) error
	Deregister(topic, key string)
	DeregisterAll(key string)
}

// Trigger signals topic activity after a successful publish.
type Trigger interface {
	Trigger(topic string, metadata map[string]any) error
}

// handlerFunc executes one command and returns its response.
type handlerFunc func(ctx context.Context, cmd protocol.Command) protocol.Response

// Session executes the protocol over one in/out stream pair.
type Session struct {
	id        string
	in        io.Reader
	out       io.Writer
	engine    Engine
	registrar Registrar
	trigger   Trigger
	logger    *slog.Logger
	metrics   *metric.Metrics

	autoCreateTopics bool
	gracePeriod      time.Duration

	writeMu sync.Mutex
	enc     *json.Encoder

	handlers map[protocol.Op]handlerFunc

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a session reading commands from in and writing records to out.
func New(in io.Reader, out io.Writer, engine Engine, registrar Registrar, trigger Trigger, opts ...Option) (*Session, error) {
	if engine == nil || registrar == nil || trigger == nil {
		return nil, errors.WrapValidation(
			fmt.Errorf("engine, registrar and trigger are required"),
			"Session", "New", "check dependencies")
	}

	s := &Session{
		id:               uuid.NewString(),
		in:               in,
		out:              out,
		engine:           engine,
		registrar:        registrar,
		trigger:          trigger,
		logger:           slog.Default(),
		autoCreateTopics: true,
		gracePeriod:      5 * time.Second,
		enc:              json.NewEncoder(out),
		shutdownCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.WrapValidation(err, "Session", "New", "apply option")
		}
	}

	s.logger = s.logger.With("session_id", s.id)

	// Closed dispatch table; unknown operations are rejected at parse time.
	s.handlers = map[protocol.Op]handlerFunc{
		protocol.OpPublish:     s.handlePublish,
		protocol.OpSubscribe:   s.handleSubscribe,
		protocol.OpUnsubscribe: s.handleUnsubscribe,
		protocol.OpListTopics:  s.handleListTopics,
		protocol.OpPing:        s.handlePing,
		protocol.OpShutdown:    s.handleShutdown,
	}

	return s, nil
}

// ID returns the session's identifier, used as the correlation context for
// its subscriptions.
func (s *Session) ID() string {
	return s.id
}

// Run consumes the input stream until EOF, a stream error, or a shutdown
// command. Per-command failures never end the loop; only the stream ending
// or shutdown does.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info("session started")
	defer s.logger.Info("session ended")

	// Subscriptions die with the session.
	defer s.registrar.DeregisterAll(s.id)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readLoop(lines, readErr)

	for {
		select {
		case <-ctx.Done():
			s.waitHandlers()
			return ctx.Err()
		case <-s.shutdownCh:
			s.waitHandlers()
			return nil
		case line, ok := <-lines:
			if !ok {
				// Stream closed: the natural termination signal.
				s.waitHandlers()
				return <-readErr
			}
			s.handleLine(ctx, line)
		}
	}
}

// readLoop feeds input lines to the session loop. It exits on EOF or a
// stream-level error; a session shutdown leaves it blocked until the caller
// closes the input stream.
func (s *Session) readLoop(lines chan<- []byte, readErr chan<- error) {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		select {
		case lines <- line:
		case <-s.shutdownCh:
			readErr <- nil
			close(lines)
			return
		}
	}

	readErr <- scanner.Err()
	close(lines)
}

// handleLine parses one input line and dispatches its command. Malformed
// lines produce an error record referencing the raw input and nothing else.
func (s *Session) handleLine(ctx context.Context, line []byte) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return
	}

	cmd, op, err := protocol.ParseCommand(line)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ParseErrors.Inc()
		}
		s.logger.Debug("rejected input line", "error", err)

		if errors.IsValidation(err) && len(cmd.RequestID) > 0 {
			// The line was valid JSON with an unknown op; the caller can
			// correlate, so answer as a response.
			s.write(protocol.Err(protocol.Op(cmd.Op), cmd.RequestID, err))
			return
		}
		s.write(protocol.NewErrorRecord(err, string(line)))
		return
	}

	s.wg.Add(1)
	go s.dispatch(ctx, op, cmd)
}

// dispatch runs one command handler, converting any failure, panics
// included, into a structured record instead of ending the session.
func (s *Session) dispatch(ctx context.Context, op protocol.Op, cmd protocol.Command) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command handler panicked", "op", op, "panic", r)
			s.write(protocol.Err(op, cmd.RequestID, fmt.Errorf("internal error: %v", r)))
			s.countCommand(op, "error")
		}
	}()

	resp := s.handlers[op](ctx, cmd)
	s.write(resp)
	s.countCommand(op, resp.Status)
}

func (s *Session) countCommand(op protocol.Op, status string) {
	if s.metrics != nil {
		s.metrics.CommandsTotal.WithLabelValues(string(op), status).Inc()
	}
}

// handlePublish writes the message through the engine, then signals the
// notification bridge. A failed signal is logged, never surfaced: the
// publish already succeeded.
func (s *Session) handlePublish(ctx context.Context, cmd protocol.Command) protocol.Response {
	if cmd.Topic == "" {
		return protocol.Err(protocol.OpPublish, cmd.RequestID, errors.ErrMissingTopic)
	}
	if cmd.Payload == "" {
		return protocol.Err(protocol.OpPublish, cmd.RequestID, errors.ErrMissingPayload)
	}

	result, err := s.engine.Publish(ctx, cmd.Topic, cmd.Payload, cmd.Metadata)
	if err != nil {
		return protocol.Err(protocol.OpPublish, cmd.RequestID, err)
	}

	if err := s.trigger.Trigger(cmd.Topic, cmd.Metadata); err != nil {
		s.logger.Warn("trigger failed after publish", "topic", cmd.Topic, "error", err)
	}

	resp := protocol.OK(protocol.OpPublish, cmd.RequestID)
	resp.Op = "published"
	resp.Topic = cmd.Topic
	resp.MessageID = result.ID
	resp.Timestamp = result.Timestamp
	return resp
}

// handleSubscribe registers this session for a topic, optionally creating
// the topic upstream first.
func (s *Session) handleSubscribe(ctx context.Context, cmd protocol.Command) protocol.Response {
	if cmd.Topic == "" {
		return protocol.Err(protocol.OpSubscribe, cmd.RequestID, errors.ErrMissingTopic)
	}

	if s.autoCreateTopics {
		if err := s.engine.CreateTopic(ctx, cmd.Topic); err != nil {
			return protocol.Err(protocol.OpSubscribe, cmd.RequestID, err)
		}
	}

	var offset int64
	if cmd.Offset != nil {
		offset = *cmd.Offset
	}

	if err := s.registrar.Register(ctx, cmd.Topic, s.id, offset, s); err != nil {
		return protocol.Err(protocol.OpSubscribe, cmd.RequestID, err)
	}

	resp := protocol.OK(protocol.OpSubscribe, cmd.RequestID)
	resp.Op = "subscribed"
	resp.Topic = cmd.Topic
	return resp
}

// handleUnsubscribe removes this session's subscription for a topic.
// Removing an absent subscription is not an error.
func (s *Session) handleUnsubscribe(_ context.Context, cmd protocol.Command) protocol.Response {
	if cmd.Topic == "" {
		return protocol.Err(protocol.OpUnsubscribe, cmd.RequestID, errors.ErrMissingTopic)
	}

	s.registrar.Deregister(cmd.Topic, s.id)

	resp := protocol.OK(protocol.OpUnsubscribe, cmd.RequestID)
	resp.Op = "unsubscribed"
	resp.Topic = cmd.Topic
	return resp
}

// handleListTopics proxies to the engine's topic listing.
func (s *Session) handleListTopics(ctx context.Context, cmd protocol.Command) protocol.Response {
	topics, err := s.engine.ListTopics(ctx)
	if err != nil {
		return protocol.Err(protocol.OpListTopics, cmd.RequestID, err)
	}

	resp := protocol.OK(protocol.OpListTopics, cmd.RequestID)
	resp.Op = "topics"
	resp.Topics = topics
	return resp
}

// handlePing mirrors the engine's health.
func (s *Session) handlePing(ctx context.Context, cmd protocol.Command) protocol.Response {
	if err := s.engine.Health(ctx); err != nil {
		resp := protocol.Err(protocol.OpPing, cmd.RequestID, err)
		resp.Op = "pong"
		return resp
	}

	resp := protocol.OK(protocol.OpPing, cmd.RequestID)
	resp.Op = "pong"
	return resp
}

// handleShutdown stops delivery for this session and ends the loop with a
// terminal response. The supervised engine process is not touched.
func (s *Session) handleShutdown(_ context.Context, cmd protocol.Command) protocol.Response {
	s.registrar.DeregisterAll(s.id)
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	resp := protocol.OK(protocol.OpShutdown, cmd.RequestID)
	resp.Op = "shutdown"
	return resp
}

// EmitMessage implements subscription.Emitter: message events share the
// session's serialized output stream.
func (s *Session) EmitMessage(ev protocol.MessageEvent) error {
	select {
	case <-s.shutdownCh:
		return errors.ErrSessionClosed
	default:
	}
	return s.write(ev)
}

// write serializes one record onto the output stream.
func (s *Session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		return errors.Wrap(err, "Session", "write", "encode record")
	}
	return nil
}

// waitHandlers blocks until in-flight handlers finish, up to the grace
// period. In-flight engine calls are not aborted, matching the supervisor's
// stop semantics.
func (s *Session) waitHandlers() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.gracePeriod):
		s.logger.Warn("handlers still in flight after grace period")
	}
}
