// Package protocol defines the newline-delimited JSON wire protocol spoken
// between callers and the gateway: inbound commands and the tagged union of
// responses, message events, and error records flowing back.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ahoward/shortbus/errors"
)

// Op identifies a protocol operation.
type Op string

// Recognized operations
const (
	OpPublish     Op = "publish"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpListTopics  Op = "list_topics"
	OpPing        Op = "ping"
	OpShutdown    Op = "shutdown"
)

// opAliases maps shorthand operation names to their canonical form.
var opAliases = map[string]Op{
	"publish":     OpPublish,
	"pub":         OpPublish,
	"subscribe":   OpSubscribe,
	"sub":         OpSubscribe,
	"unsubscribe": OpUnsubscribe,
	"unsub":       OpUnsubscribe,
	"list_topics": OpListTopics,
	"topics":      OpListTopics,
	"ping":        OpPing,
	"shutdown":    OpShutdown,
}

// ParseOp normalizes an operation name, resolving aliases. Unknown operations
// are rejected explicitly rather than falling through.
func ParseOp(s string) (Op, error) {
	op, ok := opAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", errors.WrapValidation(
			fmt.Errorf("%w: %q", errors.ErrUnknownOperation, s),
			"protocol", "ParseOp", "resolve operation")
	}
	return op, nil
}

// Command is one inbound request line. RequestID is caller-chosen and opaque:
// the gateway echoes the raw JSON value back without interpreting it.
type Command struct {
	Op        string          `json:"op"`
	Topic     string          `json:"topic,omitempty"`
	Payload   string          `json:"payload,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Offset    *int64          `json:"offset,omitempty"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
}

// ParseCommand decodes a single input line into a Command and resolves its
// operation. The raw line is preserved in the returned error for malformed
// input so callers can reference it in error records.
func ParseCommand(line []byte) (Command, Op, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, "", errors.WrapProtocol(
			fmt.Errorf("%w: %v", errors.ErrMalformedLine, err),
			"protocol", "ParseCommand", "decode line")
	}

	op, err := ParseOp(cmd.Op)
	if err != nil {
		return cmd, "", err
	}
	return cmd, op, nil
}

// Response answers exactly one Command, correlated by the echoed RequestID.
type Response struct {
	Status    string          `json:"status"`
	Op        string          `json:"op,omitempty"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	MessageID int64           `json:"message_id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Topics    []string        `json:"topics,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// OK builds a success response for an operation.
func OK(op Op, requestID json.RawMessage) Response {
	return Response{Status: "ok", Op: string(op), RequestID: requestID}
}

// Err builds an error response for an operation.
func Err(op Op, requestID json.RawMessage, err error) Response {
	return Response{Status: "error", Op: string(op), RequestID: requestID, Error: err.Error()}
}

// MessageEvent is an unsolicited push of one topic message to a subscriber.
type MessageEvent struct {
	Type      string         `json:"type"` // always "message"
	Topic     string         `json:"topic"`
	ID        int64          `json:"id"`
	Payload   string         `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// ErrorRecord reports a failure not tied to a well-formed command, such as a
// malformed input line. Line carries the offending input for correlation.
type ErrorRecord struct {
	Type      string          `json:"type"` // always "error"
	Error     string          `json:"error"`
	Line      string          `json:"line,omitempty"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
}

// NewErrorRecord builds an error record referencing the raw offending line.
func NewErrorRecord(err error, line string) ErrorRecord {
	return ErrorRecord{Type: "error", Error: err.Error(), Line: line}
}
