package manager

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/agent-relay/config"
	"github.com/conductorhq/agent-relay/internal/domain/model"
)

func TestDispatchPingReturnsPong(t *testing.T) {
	m := newTestManager(t, nil)
	s, _ := newTestSession(t, m, "u1")

	reply := m.dispatch(s, &model.Envelope{Type: model.TypePing, ID: "p-1"}, 0)
	require.NotNil(t, reply)
	assert.Equal(t, model.TypePong, reply.Type)
	assert.Equal(t, "p-1", reply.ID)
	assert.NotZero(t, reply.Timestamp)
}

func TestDispatchUnknownTypeIsError(t *testing.T) {
	m := newTestManager(t, nil)
	s, _ := newTestSession(t, m, "u1")

	reply := m.dispatch(s, &model.Envelope{Type: "bogus"}, 0)
	require.NotNil(t, reply)
	assert.Equal(t, model.TypeError, reply.Type)
	assert.Equal(t, model.CodeInvalidJSON, reply.Code)
}

func TestDispatchConfirmUnknownID(t *testing.T) {
	m := newTestManager(t, nil)
	s, _ := newTestSession(t, m, "u1")

	reply := m.dispatch(s, &model.Envelope{Type: model.TypeConfirm, ID: "12345"}, 0)
	require.NotNil(t, reply)
	assert.Equal(t, model.TypeError, reply.Type)
}

func TestDispatchTypingStagesStatusBroadcast(t *testing.T) {
	m := newTestManager(t, nil)
	s, _ := newTestSession(t, m, "u1")

	reply := m.dispatch(s, &model.Envelope{Type: model.TypeTyping}, 0)
	assert.Nil(t, reply)
	assert.Equal(t, 1, m.stagedBroadcasts())
}

func TestHandleChatStampsIdentity(t *testing.T) {
	m := newTestManager(t, nil)
	s, _ := newTestSession(t, m, "u1")

	env := &model.Envelope{
		Type: model.TypeChatMessage,
		Text: "hello",
		// Spoofed fields the server must overwrite.
		UserID: "someone-else",
		Role:   "admin",
	}
	reply := m.dispatch(s, env, 0)
	assert.Nil(t, reply)

	// Broadcast chat (no "to") is staged for the batching window.
	require.Equal(t, 1, m.stagedBroadcasts())
	staged := m.batcher.entries[0]
	assert.Equal(t, "u1", staged.env.UserID)
	assert.Equal(t, "user", staged.env.Role)
	assert.NotEmpty(t, staged.env.ID)
	assert.Equal(t, "u1", staged.exclude)
}

func TestHandleChatTargetedSkipsBroadcast(t *testing.T) {
	m := newTestManager(t, nil)
	s, _ := newTestSession(t, m, "u1")

	env := &model.Envelope{
		Type: model.TypeChatMessage,
		Text: "direct",
		Data: map[string]any{"to": "u2"},
	}
	reply := m.dispatch(s, env, 0)
	assert.Nil(t, reply)
	assert.Equal(t, 0, m.stagedBroadcasts())
}

func TestHandleBatchRejectsNesting(t *testing.T) {
	m := newTestManager(t, nil)
	s, _ := newTestSession(t, m, "u1")

	inner := model.Envelope{Type: model.TypeBatch}
	reply := m.dispatch(s, &model.Envelope{
		Type:     model.TypeBatch,
		Messages: []model.Envelope{inner},
	}, 0)

	require.NotNil(t, reply)
	require.Equal(t, model.TypeBatchResponse, reply.Type)
	results := reply.Data["results"].([]map[string]any)
	require.Len(t, results, 1)
	assert.Equal(t, false, results[0]["ok"])
}

func TestHandleBatchTruncatesToLimit(t *testing.T) {
	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Manager.MaxBatchMessages = 3
	})
	s, _ := newTestSession(t, m, "u1")

	msgs := make([]model.Envelope, 5)
	for i := range msgs {
		msgs[i] = model.Envelope{Type: model.TypePing, ID: fmt.Sprintf("p-%d", i)}
	}
	reply := m.dispatch(s, &model.Envelope{Type: model.TypeBatch, ID: "b-1", Messages: msgs}, 0)

	require.NotNil(t, reply)
	assert.Equal(t, "b-1", reply.ID)
	assert.Equal(t, 3, reply.Data["count"])
}

func TestHandleFrameRejectsOversized(t *testing.T) {
	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Manager.MaxFrameBytes = 16
	})
	s, sock := newTestSession(t, m, "u1")

	m.handleFrame(s, websocket.TextMessage, bytes.Repeat([]byte("x"), 32))

	frame := sock.lastFrame(t)
	assert.Equal(t, model.TypeError, frame.Type)
	assert.Equal(t, model.CodeFrameTooLarge, frame.Code)
}

func TestHandleFrameRateLimits(t *testing.T) {
	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Manager.RateLimitPerMinute = 2
	})
	s, sock := newTestSession(t, m, "u1")

	ping := []byte(`{"type":"ping"}`)
	m.handleFrame(s, websocket.TextMessage, ping)
	m.handleFrame(s, websocket.TextMessage, ping)
	m.handleFrame(s, websocket.TextMessage, ping)

	frame := sock.lastFrame(t)
	assert.Equal(t, model.TypeError, frame.Type)
	assert.Equal(t, model.CodeRateLimited, frame.Code)
}

func TestHandleFrameRateLimitsBeforeInflate(t *testing.T) {
	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Manager.RateLimitPerMinute = 1
	})
	s, sock := newTestSession(t, m, "u1")

	m.handleFrame(s, websocket.TextMessage, []byte(`{"type":"ping"}`))
	// Over the limit: the broken compressed frame is rejected before it
	// ever reaches the inflate step.
	m.handleFrame(s, websocket.BinaryMessage, []byte("not deflate data"))

	frame := sock.lastFrame(t)
	assert.Equal(t, model.TypeError, frame.Type)
	assert.Equal(t, model.CodeRateLimited, frame.Code)
	assert.Equal(t, 0, s.malformed)
}

func TestHandleFrameMalformedEscalatesToFatal(t *testing.T) {
	m := newTestManager(t, nil)
	s, sock := newTestSession(t, m, "u1")

	for i := 0; i <= maxMalformedFrames; i++ {
		m.handleFrame(s, websocket.TextMessage, []byte("{not json"))
	}

	assert.True(t, s.fatal)
	frame := sock.lastFrame(t)
	assert.Equal(t, model.CodeInvalidJSON, frame.Code)
}

func TestHandleFrameMissingTypeIsMalformed(t *testing.T) {
	m := newTestManager(t, nil)
	s, sock := newTestSession(t, m, "u1")

	m.handleFrame(s, websocket.TextMessage, []byte(`{"text":"no type"}`))

	frame := sock.lastFrame(t)
	assert.Equal(t, model.TypeError, frame.Type)
	assert.Equal(t, model.CodeInvalidJSON, frame.Code)
}

func TestHandleFrameInflatesBinary(t *testing.T) {
	m := newTestManager(t, nil)
	s, sock := newTestSession(t, m, "u1")

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"type":"ping","id":"z-1"}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	m.handleFrame(s, websocket.BinaryMessage, buf.Bytes())

	frame := sock.lastFrame(t)
	assert.Equal(t, model.TypePong, frame.Type)
	assert.Equal(t, "z-1", frame.ID)
}
