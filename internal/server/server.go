// Package server provides the HTTP server for the visitor counter and
// comparison API, plus the /metrics, /health, /ready and /config endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/matchwise/matchwise-server/internal/backend"
	"github.com/matchwise/matchwise-server/internal/config"
	"github.com/matchwise/matchwise-server/internal/visitor"
)

// VisitorCounter is the visitor count store as used by the HTTP handlers.
type VisitorCounter interface {
	Read(ctx context.Context) (visitor.Record, error)
	IncrementDetailed(ctx context.Context) (visitor.IncrementResult, error)
	Stats(ctx context.Context) (visitor.Stats, error)
}

// Comparer is the comparison backend as used by the proxy handlers.
type Comparer interface {
	Compare(ctx context.Context, req backend.CompareRequest) (*backend.Comparison, error)
	UserStatus(ctx context.Context, uid string) (json.RawMessage, error)
	UseTrial(ctx context.Context, uid string) (json.RawMessage, error)
}

// Server is the public HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	config     *config.Config
	counter    VisitorCounter
	backend    Comparer
	limiter    *ipLimiter
	proxies    proxySet
	ready      atomic.Bool
	logger     *logrus.Entry
}

// NewServer creates a server from cfg. Metrics are served from reg, which
// also receives the HTTP request metrics. comparer may be nil, in which case
// the comparison routes are not mounted.
func NewServer(cfg *config.Config, counter VisitorCounter, comparer Comparer, reg *prometheus.Registry, logger *logrus.Entry) *Server {
	s := &Server{
		config:  cfg,
		counter: counter,
		backend: comparer,
		logger:  logger.WithField("component", "server"),
	}
	if cfg.Server.RateLimit.Enabled {
		s.limiter = newIPLimiter(cfg.Server.RateLimit.RequestsPerMinute, cfg.Server.RateLimit.Burst)
	}
	proxies, err := parseProxies(cfg.Server.TrustedProxies)
	if err != nil {
		s.logger.WithError(err).Warn("ignoring trusted proxies; client IPs come from the connection")
	}
	s.proxies = proxies

	metrics := newHTTPMetrics(reg)
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, metrics.instrument(pattern, h))
	}

	route("/api/visitor-count", s.handleVisitorCount)
	if comparer != nil {
		route("/api/compare", s.handleCompare)
		route("/api/user/status", s.handleUserStatus)
		route("/api/user/use-trial", s.handleUseTrial)
	}
	route("/admin/visitor-stats", s.handleVisitorStats)

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/config", s.handleConfig)

	if cfg.Server.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.logger.Info("pprof endpoints enabled under /debug/pprof/")
	}

	s.handler = withRequestID(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in a background goroutine. Bind
// errors are returned directly.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}
	s.logger.WithField("addr", ln.Addr().String()).Info("starting HTTP server")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down, waiting for in-flight requests
// until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// SetReady updates the readiness state exposed by /ready.
func (s *Server) SetReady(ready bool) {
	if s.ready.Swap(ready) != ready {
		s.logger.WithField("ready", ready).Info("readiness changed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	data, err := s.config.RedactedJSON()
	if err != nil {
		s.logger.WithError(err).Error("failed to encode config")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// errorBody is the JSON shape of every API error.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code, details string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code, Details: details})
}
