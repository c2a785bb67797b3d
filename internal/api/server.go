// Package api exposes the gateway over HTTP: the viewer and upstream
// WebSocket endpoints, the emoji fetch endpoint, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nekocast/danmaku/internal/danmaku"
	"github.com/nekocast/danmaku/internal/emoji"
)

// Server wires the connection manager and emoji cache into HTTP routes.
type Server struct {
	manager       *danmaku.ConnectionManager
	emoji         *emoji.Cache
	upstreamToken string // empty disables the upstream socket
	gatherer      prometheus.Gatherer

	httpServer *http.Server
}

// NewServer builds the HTTP layer. upstreamToken may be empty, in which
// case every upstream connection attempt is rejected.
func NewServer(manager *danmaku.ConnectionManager, cache *emoji.Cache, upstreamToken string, gatherer prometheus.Gatherer) *Server {
	return &Server{
		manager:       manager,
		emoji:         cache,
		upstreamToken: upstreamToken,
		gatherer:      gatherer,
	}
}

// Router assembles all routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	v1 := r.PathPrefix("/api/danmaku/v1").Subrouter()
	v1.HandleFunc("/", s.handleHealth).Methods("GET")
	v1.HandleFunc("/upstream", s.handleUpstream)
	v1.HandleFunc("/danmaku/{channel}", s.handleViewer)

	r.HandleFunc("/api/emoji/{key}", s.emoji.HandleGet).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

// Run binds and serves until Shutdown is called.
func (s *Server) Run(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}
	slog.Info("Danmaku gateway listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "danmaku service running",
		"version": "0.1.0",
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
