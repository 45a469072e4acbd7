package manager

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conductorhq/agent-relay/internal/auth"
	"github.com/conductorhq/agent-relay/internal/domain/model"
	"github.com/conductorhq/agent-relay/internal/pool"
)

// connState tracks a socket through its lifecycle.
type connState int8

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateAuthenticated
	stateRejected
	stateActive
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "CONNECTING"
	case stateAuthenticating:
		return "AUTHENTICATING"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateRejected:
		return "REJECTED"
	case stateActive:
		return "ACTIVE"
	case stateClosing:
		return "CLOSING"
	}
	return "CLOSED"
}

// session is the per-socket read-loop state.
type session struct {
	conn      *pool.Conn
	logger    *slog.Logger
	malformed int
	fatal     bool
}

const maxMalformedFrames = 3

// Handle upgrades an inbound HTTP request and serves the connection until
// it closes. The calling handler goroutine becomes the read loop.
func (m *Manager) Handle(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", slog.Any("err", err))
		return
	}
	m.serve(ws, r.RemoteAddr)
}

func (m *Manager) serve(ws *websocket.Conn, remote string) {
	state := stateConnecting
	defer ws.Close()

	state = stateAuthenticating
	identity, err := m.authenticate(ws)
	if err != nil {
		state = stateRejected
		m.logger.Info("connection rejected",
			slog.String("remote", remote),
			slog.String("state", state.String()),
			slog.Any("err", err),
		)
		return
	}
	state = stateAuthenticated

	// One live connection per identity: the newer socket wins.
	if old, ok := m.pool.Get(identity.ID); ok {
		m.pool.Remove(identity.ID)
		old.Close()
	}

	conn := pool.NewConn(identity.ID, identity.Role, ws)
	if !m.pool.Add(conn, identity.Role) {
		writeRaw(ws, model.NewErrorFrame(model.CodeCapacityExceeded, "server at connection capacity"))
		return
	}

	logger := m.logger.With(
		slog.String("user_id", identity.ID),
		slog.String("role", identity.Role),
		slog.String("remote", remote),
	)

	ws.SetPongHandler(func(string) error {
		conn.PongReceived()
		return nil
	})

	if err := conn.SendEnvelope(&model.Envelope{
		Type:      model.TypeAuthSuccess,
		UserID:    identity.ID,
		Role:      identity.Role,
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]any{
			"capabilities": serverCapabilities,
			"server":       ServerName,
			"version":      ServerVersion,
		},
	}); err != nil {
		m.cleanupConn(conn, "auth_success write failed")
		return
	}

	state = stateActive
	logger.Info("connection established", slog.String("state", state.String()))

	// Backlog first: a reconnecting identity sees its buffered messages
	// before any live traffic.
	for _, env := range m.buffer.Drain(identity.ID, m.cfg.Manager.OfflineDrainLimit) {
		if err := conn.SendEnvelope(env); err != nil {
			break
		}
	}

	m.stageStatus(identity.ID, "online")

	sess := &session{conn: conn, logger: logger}
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		conn.MarkReceived(len(data))
		m.handleFrame(sess, msgType, data)
		if sess.fatal {
			break
		}
	}

	state = stateClosing
	m.cleanupConn(conn, "socket closed")
	state = stateClosed
	logger.Info("connection closed", slog.String("state", state.String()))
}

// authenticate runs the handshake: the first frame must be a valid auth
// frame inside the auth timeout. Every rejection sends a structured error
// frame before the socket closes.
func (m *Manager) authenticate(ws *websocket.Conn) (auth.Identity, error) {
	deadline := time.Now().Add(m.cfg.Manager.AuthTimeout)
	ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	_, data, err := ws.ReadMessage()
	if err != nil {
		writeRaw(ws, model.NewErrorFrame(model.CodeAuthTimeout, "authentication deadline exceeded"))
		return auth.Identity{}, err
	}

	env, err := model.DecodeEnvelope(data)
	if err != nil {
		writeRaw(ws, model.NewErrorFrame(model.CodeInvalidJSON, "malformed auth frame"))
		return auth.Identity{}, err
	}
	if env.Type != model.TypeAuth {
		writeRaw(ws, model.NewErrorFrame(model.CodeAuthFailed, "expected auth frame"))
		return auth.Identity{}, errors.New("first frame is not auth")
	}

	// Admission control happens before the (potentially slow) backend
	// call: a full pool rejects immediately.
	if m.pool.Len() >= m.pool.Capacity() {
		writeRaw(ws, model.NewErrorFrame(model.CodeCapacityExceeded, "server at connection capacity"))
		return auth.Identity{}, errors.New("pool at capacity")
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	identity, err := m.authn.Authenticate(ctx, auth.Credential{
		Method: env.Method,
		Token:  env.Token,
		UserID: env.UserID,
	})
	if err != nil {
		writeRaw(ws, model.NewErrorFrame(model.CodeAuthFailed, "authentication failed"))
		return auth.Identity{}, err
	}
	return identity, nil
}

// writeRaw writes an envelope on a socket that has no pool wrapper yet
// (pre-registration rejections).
func writeRaw(ws *websocket.Conn, env *model.Envelope) {
	data, err := env.Encode()
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(pingWriteTimeout))
	_ = ws.WriteMessage(websocket.TextMessage, data)
}
