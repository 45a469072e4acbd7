package manager

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/conductorhq/agent-relay/internal/domain/model"
	"github.com/conductorhq/agent-relay/internal/queue"
)

func formatMessageID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// handleFrame is the inbound pipeline: size limit, optional decompression,
// rate limit, decode, dispatch. Replies (pong, errors, batch responses)
// go straight back on the connection.
func (m *Manager) handleFrame(s *session, msgType int, data []byte) {
	m.frames.Add(1)

	if len(data) > m.cfg.Manager.MaxFrameBytes {
		m.errors.Add(1)
		s.conn.SendEnvelope(model.NewErrorFrame(model.CodeFrameTooLarge, "frame exceeds size limit"))
		return
	}

	// Rate limiting comes before any per-frame work: an over-limit client
	// gets no inflate or parse CPU out of the server.
	if !m.limiter.Allow(s.conn.ID()) {
		m.errors.Add(1)
		s.conn.SendEnvelope(model.NewErrorFrame(model.CodeRateLimited, "rate limit exceeded, slow down"))
		return
	}

	if msgType == websocket.BinaryMessage {
		inflated, err := inflate(data, m.cfg.Manager.MaxFrameBytes)
		if err != nil {
			m.malformedFrame(s, "bad compressed frame")
			return
		}
		data = inflated
	}

	// Cheap type sniff before committing to a full decode.
	if !gjson.ValidBytes(data) || gjson.GetBytes(data, "type").String() == "" {
		m.malformedFrame(s, "frame is not a typed JSON object")
		return
	}

	env, err := model.DecodeEnvelope(data)
	if err != nil {
		m.malformedFrame(s, "undecodable frame")
		return
	}

	if reply := m.dispatch(s, env, 0); reply != nil {
		s.conn.SendEnvelope(reply)
	}
}

// malformedFrame answers with INVALID_JSON; repeated violations are fatal
// for the connection.
func (m *Manager) malformedFrame(s *session, reason string) {
	m.errors.Add(1)
	s.malformed++
	s.conn.SendEnvelope(model.NewErrorFrame(model.CodeInvalidJSON, reason))
	if s.malformed > maxMalformedFrames {
		s.logger.Warn("closing connection after repeated malformed frames",
			slog.Int("count", s.malformed),
		)
		s.fatal = true
	}
}

// dispatch routes one decoded envelope by type. The return value, if any,
// is an immediate reply frame. depth guards batch recursion.
func (m *Manager) dispatch(s *session, env *model.Envelope, depth int) *model.Envelope {
	switch env.Type {
	case model.TypeChatMessage:
		return m.handleChat(s, env)
	case model.TypePing:
		return &model.Envelope{
			Type:      model.TypePong,
			ID:        env.ID,
			Timestamp: time.Now().UnixMilli(),
		}
	case model.TypeTyping:
		m.batcher.Stage(broadcastEntry{
			env: &model.Envelope{
				Type:      model.TypeUserStatus,
				UserID:    s.conn.ID(),
				Timestamp: time.Now().UnixMilli(),
				Data:      map[string]any{"typing": true},
			},
			exclude: s.conn.ID(),
		})
		return nil
	case model.TypeBatch:
		return m.handleBatch(s, env, depth)
	case model.TypeConfirm:
		id, err := strconv.ParseInt(env.ID, 10, 64)
		if err != nil || !m.orch.Confirm(id) {
			return model.NewErrorFrame(model.CodeInvalidJSON, "unknown confirmation id")
		}
		return nil
	default:
		m.errors.Add(1)
		return model.NewErrorFrame(model.CodeInvalidJSON, "unrecognized frame type: "+env.Type)
	}
}

// handleChat validates, stamps and admits one chat message: enqueue for
// targeted delivery, publish to the history bus, stage for broadcast.
func (m *Manager) handleChat(s *session, env *model.Envelope) *model.Envelope {
	clean, err := m.validator.ValidateAndSanitize(env)
	if err != nil {
		m.errors.Add(1)
		return model.NewErrorFrame(model.CodeInvalidJSON, err.Error())
	}

	if clean.ID == "" {
		clean.ID = uuid.NewString()
	}
	clean.UserID = s.conn.ID()
	clean.Role = s.conn.Role()
	clean.Timestamp = time.Now().UnixMilli()

	recipient := ""
	if to, ok := clean.Data["to"].(string); ok {
		recipient = to
	}

	if _, err := m.orch.Enqueue(clean, queue.EnqueueOptions{
		Priority:   model.ParsePriority(clean.Priority),
		Recipient:  recipient,
		MaxRetries: -1,
	}); err != nil {
		m.errors.Add(1)
		return model.NewErrorFrame(model.CodeInvalidJSON, "message not accepted")
	}

	if m.dispatcher != nil {
		if err := m.dispatcher.PublishChatMessage(m.ctx, clean); err != nil {
			s.logger.Warn("history publication failed", slog.Any("err", err))
		}
	}

	if recipient == "" {
		m.batcher.Stage(broadcastEntry{env: clean, exclude: s.conn.ID()})
	}
	return nil
}

// handleBatch processes up to the configured number of sub-envelopes,
// depth 1 only: a batch inside a batch is rejected.
func (m *Manager) handleBatch(s *session, env *model.Envelope, depth int) *model.Envelope {
	if depth > 0 {
		m.errors.Add(1)
		return model.NewErrorFrame(model.CodeInvalidJSON, "nested batch not allowed")
	}

	msgs := env.Messages
	if len(msgs) > m.cfg.Manager.MaxBatchMessages {
		msgs = msgs[:m.cfg.Manager.MaxBatchMessages]
	}

	results := make([]map[string]any, 0, len(msgs))
	for i := range msgs {
		sub := msgs[i]
		reply := m.dispatch(s, &sub, depth+1)
		result := map[string]any{"type": sub.Type, "ok": true}
		if reply != nil && reply.Type == model.TypeError {
			result["ok"] = false
			result["code"] = reply.Code
		} else if reply != nil {
			// Non-error replies (pongs) ride along in the response.
			result["reply"] = reply
		}
		results = append(results, result)
	}

	return &model.Envelope{
		Type:      model.TypeBatchResponse,
		ID:        env.ID,
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]any{"results": results, "count": len(results)},
	}
}
