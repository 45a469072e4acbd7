// Package http hosts the single listener every surface shares: the
// websocket upgrade path, the operational JSON API, the Prometheus
// scrape endpoint and the liveness probe.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/conductorhq/agent-relay/config"
	"github.com/conductorhq/agent-relay/internal/handler/httpapi"
	"github.com/conductorhq/agent-relay/internal/handler/ws"
)

const shutdownTimeout = 10 * time.Second

// NewRouter assembles the full route table.
func NewRouter(wsHandler *ws.WSHandler, api *httpapi.APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Handle("/ws", wsHandler)
	r.Route("/api", api.Routes)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// NewServer builds the http.Server bound to the configured address.
func NewServer(cfg *config.Config, mux *chi.Mux) *http.Server {
	return &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: mux,
		// No global read/write timeouts: websocket connections are
		// long-lived; per-operation deadlines are set on the sockets.
		ReadHeaderTimeout: 5 * time.Second,
	}
}

var Module = fx.Module("http-server",
	fx.Provide(NewRouter, NewServer),
	fx.Invoke(serve),
)

func serve(lc fx.Lifecycle, srv *http.Server, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Info("http server listening", slog.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server failed", slog.Any("err", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
}
