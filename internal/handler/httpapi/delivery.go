// Package httpapi serves the operational read model: stats, server info,
// performance metrics and the dead-letter controls.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/conductorhq/agent-relay/internal/manager"
)

type APIHandler struct {
	mgr    *manager.Manager
	logger *slog.Logger
}

func NewAPIHandler(mgr *manager.Manager, logger *slog.Logger) *APIHandler {
	return &APIHandler{mgr: mgr, logger: logger}
}

// Routes mounts the API under /api.
func (h *APIHandler) Routes(r chi.Router) {
	r.Get("/stats", h.getStats)
	r.Get("/info", h.getInfo)
	r.Get("/performance", h.getPerformance)
	r.Get("/queue/dead-letter", h.listDeadLetters)
	r.Post("/queue/dead-letter/{id}/requeue", h.requeueDeadLetter)
	r.Delete("/queue/dead-letter", h.clearDeadLetters)
}

func (h *APIHandler) getStats(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, h.mgr.ConnectionStats())
}

func (h *APIHandler) getInfo(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, h.mgr.ServerInfo())
}

func (h *APIHandler) getPerformance(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, h.mgr.PerformanceMetrics())
}

func (h *APIHandler) listDeadLetters(w http.ResponseWriter, _ *http.Request) {
	letters := h.mgr.DeadLetters()
	h.respond(w, http.StatusOK, map[string]any{
		"count":    len(letters),
		"messages": letters,
	})
}

func (h *APIHandler) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	if !h.mgr.RequeueDeadLetter(id) {
		h.respondError(w, http.StatusNotFound, "message not in dead-letter queue")
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"requeued": id})
}

func (h *APIHandler) clearDeadLetters(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, map[string]any{"cleared": h.mgr.ClearDeadLetter()})
}

func (h *APIHandler) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("response encoding failed", slog.Any("err", err))
	}
}

func (h *APIHandler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respond(w, status, map[string]any{"error": msg})
}
