// Package engineclient provides the HTTP client for the external storage
// engine. All operations are synchronous with bounded timeouts; transport
// failures are classified as recoverable connection errors so the gateway
// survives an unreachable engine.
package engineclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ahoward/shortbus/errors"
)

// Message is one stored topic message as served by the engine. Messages are
// read-only once fetched; the gateway never mutates them.
type Message struct {
	Topic     string         `json:"topic"`
	ID        int64          `json:"id"`
	Payload   string         `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// PublishResult carries the engine-assigned id and timestamp for a publish.
type PublishResult struct {
	ID        int64 `json:"id"`
	Timestamp int64 `json:"timestamp"`
}

// Client issues publish/fetch/list/health operations against the engine API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// NewClient creates an engine client for the given base URL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, errors.WrapValidation(
			fmt.Errorf("invalid engine URL %q", baseURL),
			"Client", "NewClient", "parse base URL")
	}

	c := &Client{
		baseURL: baseURL,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapValidation(err, "Client", "NewClient", "apply option")
		}
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}

	return c, nil
}

// BaseURL returns the engine base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateTopic ensures a topic exists. Creating an existing topic is not an
// error.
func (c *Client) CreateTopic(ctx context.Context, name string) error {
	if name == "" {
		return errors.WrapValidation(errors.ErrMissingTopic, "Client", "CreateTopic", "validate topic")
	}
	return c.do(ctx, http.MethodPut, "/topics/"+url.PathEscape(name), nil, nil)
}

// Publish appends a message to a topic and returns the assigned id and
// timestamp.
func (c *Client) Publish(ctx context.Context, topic, payload string, metadata map[string]any) (PublishResult, error) {
	var result PublishResult
	if topic == "" {
		return result, errors.WrapValidation(errors.ErrMissingTopic, "Client", "Publish", "validate topic")
	}

	body := struct {
		Payload  string         `json:"payload"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}{Payload: payload, Metadata: metadata}

	err := c.do(ctx, http.MethodPost, "/topics/"+url.PathEscape(topic)+"/messages", body, &result)
	return result, err
}

// Fetch returns up to limit messages with id >= offset, in increasing id
// order. A limit <= 0 asks for the engine's default page size.
func (c *Client) Fetch(ctx context.Context, topic string, offset int64, limit int) ([]Message, error) {
	if topic == "" {
		return nil, errors.WrapValidation(errors.ErrMissingTopic, "Client", "Fetch", "validate topic")
	}

	path := "/topics/" + url.PathEscape(topic) + "/messages?offset=" + strconv.FormatInt(offset, 10)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}

	var result struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// ListTopics returns the names of all topics known to the engine.
func (c *Client) ListTopics(ctx context.Context) ([]string, error) {
	var result struct {
		Topics []string `json:"topics"`
	}
	if err := c.do(ctx, http.MethodGet, "/topics", nil, &result); err != nil {
		return nil, err
	}
	return result.Topics, nil
}

// Health reports whether the engine answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// do issues one request and decodes the JSON response into out when non-nil.
// Transport errors map to connection errors; non-2xx statuses to engine
// errors carrying the engine's own message where available.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "Client", "do", "encode request body")
		}
		reqBody = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "Client", "do", "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("engine request failed", "method", method, "path", path, "error", err)
		return errors.WrapConnection(
			fmt.Errorf("%w: %v", errors.ErrEngineUnreachable, err),
			"Client", "do", method+" "+path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.WrapEngine(engineFailure(resp), "Client", "do", method+" "+path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.WrapEngine(
				fmt.Errorf("decode engine response: %w", err),
				"Client", "do", method+" "+path)
		}
	}
	return nil
}

// engineFailure extracts the engine's error message from a failure response,
// surfacing it verbatim to the caller.
func engineFailure(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var engineErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &engineErr); err == nil && engineErr.Error != "" {
		return fmt.Errorf("engine status %d: %s", resp.StatusCode, engineErr.Error)
	}
	return fmt.Errorf("engine status %d", resp.StatusCode)
}
