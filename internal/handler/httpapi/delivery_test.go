package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/agent-relay/config"
	"github.com/conductorhq/agent-relay/internal/auth"
	"github.com/conductorhq/agent-relay/internal/manager"
	"github.com/conductorhq/agent-relay/internal/pool"
	"github.com/conductorhq/agent-relay/internal/queue"
)

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	p := pool.New(pool.WithSweepInterval(time.Hour))
	t.Cleanup(p.Close)

	orch, err := queue.NewOrchestrator(
		queue.NewBuffer(10, nil, logger),
		queue.WithOrchestratorLogger(logger),
	)
	require.NoError(t, err)

	mgr := manager.New(cfg, logger, p, orch,
		auth.NewStaticTokenAuthenticator(nil),
		manager.NewDefaultValidator(), nil)

	r := chi.NewRouter()
	r.Route("/api", NewAPIHandler(mgr, logger).Routes)
	return r
}

func doRequest(t *testing.T, r *chi.Mux, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestGetInfo(t *testing.T) {
	r := newTestRouter(t)
	rec := doRequest(t, r, http.MethodGet, "/api/info")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, manager.ServerName, body["name"])
	assert.Contains(t, body["capabilities"], "batch")
}

func TestGetStats(t *testing.T) {
	r := newTestRouter(t)
	rec := doRequest(t, r, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "pool")
	assert.Contains(t, body, "queue")
	assert.Equal(t, "healthy", body["health"])
}

func TestGetPerformance(t *testing.T) {
	r := newTestRouter(t)
	rec := doRequest(t, r, http.MethodGet, "/api/performance")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	r := newTestRouter(t)

	rec := doRequest(t, r, http.MethodGet, "/api/queue/dead-letter")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, float64(0), listing["count"])

	rec = doRequest(t, r, http.MethodPost, "/api/queue/dead-letter/not-a-number/requeue")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, r, http.MethodPost, "/api/queue/dead-letter/12345/requeue")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, r, http.MethodDelete, "/api/queue/dead-letter")
	require.Equal(t, http.StatusOK, rec.Code)
}
