package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/logging"
	"github.com/hupe1980/meshchat/stream"
)

func TestCallbackManager_StopsAtFirstError(t *testing.T) {
	cm := NewCallbackManager()
	var ran []string
	cm.RegisterCallback(NewFunctionCallback(CallbackHandoff, func(context.Context, *CallbackContext) error {
		ran = append(ran, "first")
		return errors.New("stop")
	}))
	cm.RegisterCallback(NewFunctionCallback(CallbackHandoff, func(context.Context, *CallbackContext) error {
		ran = append(ran, "second")
		return nil
	}))

	err := cm.ExecuteCallbacks(context.Background(), CallbackHandoff, &CallbackContext{})
	assert.EqualError(t, err, "stop")
	assert.Equal(t, []string{"first"}, ran)

	assert.NoError(t, cm.ExecuteCallbacks(context.Background(), CallbackStreamEnded, &CallbackContext{}))
}

func TestLoggingCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.Config{Level: logging.LogLevelInfo, Format: "text", Output: &buf})

	cm := NewCallbackManager()
	cm.RegisterCallback(NewLoggingCallback(CallbackStreamEnded, logger))

	res := &stream.Result{MessageID: "m1", Turns: []core.Turn{{Index: 0}}, Code: stream.ErrCodeCancelled}
	require.NoError(t, cm.ExecuteCallbacks(context.Background(), CallbackStreamEnded, &CallbackContext{SessionID: "s1", Result: res}))

	out := buf.String()
	assert.Contains(t, out, "engine.stream_ended")
	assert.Contains(t, out, "session_id=s1")
	assert.Contains(t, out, "message_id=m1")
	assert.Contains(t, out, "code=cancelled")
}
