// Package server provides the HTTP scrape and management servers for the
// exporter.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kanzifucius/svc-tracker/pkg/health"
	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// Source provides the currently published snapshot.
type Source interface {
	Current() *store.Snapshot
}

// Server is an HTTP server with a graceful Run loop. Routes are added with
// MountScrape and MountManagement before Run is called.
type Server struct {
	name       string
	httpServer *http.Server
	mux        *http.ServeMux
	listener   net.Listener
	ready      atomic.Bool
	listening  chan struct{} // closed once the listener is bound
}

// New creates a Server without routes. name is used in log messages.
func New(name, addr string) *Server {
	mux := http.NewServeMux()
	return &Server{
		name: name,
		mux:  mux,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1 MiB
		},
		listening: make(chan struct{}),
	}
}

// MountScrape adds the exposition routes: /metrics renders the current
// snapshot plus the self metrics in self (may be nil), and
// /containers/metrics serves relayed container metrics.
func (s *Server) MountScrape(src Source, self prometheus.Gatherer) {
	s.mux.Handle("GET /metrics", metricsHandler(src, self))
	s.mux.HandleFunc("GET /containers/metrics", containersHandler(src))
}

// MountManagement adds the operational routes: /health (staleness),
// /healthz (liveness), /readyz (first publish seen) and /snapshot.
func (s *Server) MountManagement(src Source, reporter *health.Reporter) {
	s.mux.HandleFunc("GET /health", healthHandler(reporter))
	s.mux.HandleFunc("GET /healthz", s.healthzHandler)
	s.mux.HandleFunc("GET /readyz", s.readyzHandler)
	s.mux.HandleFunc("GET /snapshot", snapshotHandler(src))
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Addr returns the listener address. It blocks until Run has opened the
// listener (or the listening channel is closed). Useful for tests using ":0".
func (s *Server) Addr() string {
	<-s.listening
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SetReady marks the server as ready. Call this after the first snapshot
// has been published.
func (s *Server) SetReady() { s.ready.Store(true) }

// healthzHandler responds with 200 OK if the process is alive.
func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok\n")
}

// readyzHandler responds with 200 OK only after SetReady has been called.
func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeText(w, http.StatusServiceUnavailable, "not ready\n")
		return
	}
	writeText(w, http.StatusOK, "ok\n")
}

// Run starts the HTTP server. It blocks until the server is stopped.
// When ctx is cancelled, the server shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		close(s.listening)
		return err
	}
	s.listener = ln
	close(s.listening)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "server", s.name, "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down server", "server", s.name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
