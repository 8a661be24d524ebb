package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindProtocol, "protocol"},
		{KindValidation, "validation"},
		{KindConnection, "connection"},
		{KindEngine, "engine"},
		{KindSupervisor, "supervisor"},
		{KindCallback, "callback"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestWrap(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Session", "handlePublish", "engine publish")

	require.Error(t, err)
	assert.Equal(t, "Session.handlePublish: engine publish failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.NoError(t, Wrap(nil, "Session", "handlePublish", "engine publish"))
}

func TestWrapKindPreservesChain(t *testing.T) {
	err := WrapConnection(ErrEngineUnreachable, "Client", "Publish", "POST /topics")

	var ge *GatewayError
	require.True(t, stderrors.As(err, &ge))
	assert.Equal(t, KindConnection, ge.Kind)
	assert.Equal(t, "Client", ge.Component)
	assert.Equal(t, "Publish", ge.Operation)
	assert.True(t, stderrors.Is(err, ErrEngineUnreachable))
}

func TestKindOf(t *testing.T) {
	_, ok := KindOf(stderrors.New("plain"))
	assert.False(t, ok)

	kind, ok := KindOf(WrapSupervisor(ErrStartupTimeout, "Supervisor", "Start", "health poll"))
	require.True(t, ok)
	assert.Equal(t, KindSupervisor, kind)

	// Classification survives further wrapping with %w.
	wrapped := fmt.Errorf("outer: %w", WrapEngine(stderrors.New("status 500"), "Client", "Fetch", "GET"))
	kind, ok = KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindEngine, kind)
}

func TestIsConnection(t *testing.T) {
	assert.False(t, IsConnection(nil))
	assert.True(t, IsConnection(ErrEngineUnreachable))
	assert.True(t, IsConnection(ErrRequestTimeout))
	assert.True(t, IsConnection(context.DeadlineExceeded))
	assert.True(t, IsConnection(stderrors.New("dial tcp 127.0.0.1:4444: connection refused")))
	assert.True(t, IsConnection(WrapConnection(stderrors.New("x"), "Client", "Health", "GET")))
	assert.False(t, IsConnection(ErrMissingTopic))
	// A classified non-connection error never matches, even if its message
	// contains a connection-looking substring.
	assert.False(t, IsConnection(WrapValidation(stderrors.New("timeout field invalid"), "Session", "parse", "decode")))
}

func TestIsValidation(t *testing.T) {
	assert.False(t, IsValidation(nil))
	assert.True(t, IsValidation(ErrMissingTopic))
	assert.True(t, IsValidation(ErrMissingPayload))
	assert.True(t, IsValidation(ErrUnknownOperation))
	assert.True(t, IsValidation(WrapValidation(stderrors.New("x"), "Session", "parse", "decode")))
	assert.False(t, IsValidation(ErrEngineUnreachable))
}

func TestIsSupervisor(t *testing.T) {
	assert.False(t, IsSupervisor(nil))
	assert.True(t, IsSupervisor(ErrNotStopped))
	assert.True(t, IsSupervisor(ErrStartupTimeout))
	assert.True(t, IsSupervisor(WrapSupervisor(stderrors.New("x"), "Supervisor", "Stop", "terminate")))
	assert.False(t, IsSupervisor(ErrMissingTopic))
}

func TestGatewayErrorMessage(t *testing.T) {
	ge := &GatewayError{Kind: KindEngine, Err: stderrors.New("inner"), Message: "outer message"}
	assert.Equal(t, "outer message", ge.Error())

	ge = &GatewayError{Kind: KindEngine, Err: stderrors.New("inner")}
	assert.Equal(t, "inner", ge.Error())
}
