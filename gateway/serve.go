package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ahoward/shortbus/errors"
)

// Serve listens for WebSocket connections, running one protocol session per
// connection, and exposes /healthz and /metrics alongside. It blocks until
// ctx is canceled.
func (g *Gateway) Serve(ctx context.Context) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Local tool, loopback listener: origin checks add nothing here.
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS(ctx, &upgrader))
	mux.HandleFunc("/healthz", g.handleHealthz)
	if g.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(
			g.metrics.PrometheusRegistry(), promhttp.HandlerOpts{}))
	}

	server := &http.Server{
		Addr:              g.cfg.Serve.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.logger.Info("serving", "addr", g.cfg.Serve.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.WrapConnection(err, "Gateway", "Serve", "listen")
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// handleWS upgrades one connection and runs a session over it. The session
// ends when the peer disconnects or sends shutdown.
func (g *Gateway) handleWS(ctx context.Context, upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		stream := newWSStream(conn)
		defer stream.Close()

		s, err := g.newSession(stream, stream)
		if err != nil {
			g.logger.Error("session setup failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		g.logger.Info("websocket session opened", "remote", r.RemoteAddr, "session_id", s.ID())
		if g.openSessions != nil {
			g.openSessions.Inc()
			defer g.openSessions.Dec()
		}
		if err := s.Run(ctx); err != nil && ctx.Err() == nil {
			g.logger.Warn("websocket session ended with error",
				"remote", r.RemoteAddr, "session_id", s.ID(), "error", err)
			return
		}
		g.logger.Info("websocket session closed", "remote", r.RemoteAddr, "session_id", s.ID())
	}
}

// handleHealthz reports aggregate gateway health. Degraded still answers 200:
// the gateway works, just with weaker latency guarantees.
func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := g.Health(r.Context())

	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		g.logger.Warn("healthz encode failed", "error", err)
	}
}
