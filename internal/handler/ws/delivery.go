// Package ws exposes the websocket entry point. All protocol work —
// handshake, frame pipeline, lifecycle — lives in the connection manager;
// this handler only routes the upgrade request.
package ws

import (
	"net/http"

	"github.com/conductorhq/agent-relay/internal/manager"
)

type WSHandler struct {
	mgr *manager.Manager
}

func NewWSHandler(mgr *manager.Manager) *WSHandler {
	return &WSHandler{mgr: mgr}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mgr.Handle(w, r)
}
