// Package server exposes the orchestration engine over HTTP for local and
// self-hosted deployments. The wire contract is identical to the function
// entry point: POST /invoke takes an invocation event and returns the
// structured response.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaylabs/batchrelay/pkg/engine"
)

// InvokeFunc runs one invocation. The engine's Handle method satisfies it.
type InvokeFunc func(ctx context.Context, req engine.Request) engine.Response

// Server is the HTTP front end.
type Server struct {
	addr   string
	invoke InvokeFunc
	log    *zap.Logger
	router chi.Router

	invocations *prometheus.CounterVec
}

// New creates a server. When metrics is true, /metrics serves a registry
// private to this server (so tests can build many servers without
// double-registration panics).
func New(addr string, invoke InvokeFunc, metrics bool, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{addr: addr, invoke: invoke, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/invoke", s.handleInvoke)

	if metrics {
		reg := prometheus.NewRegistry()
		s.invocations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchrelay_invocations_total",
			Help: "Invocations handled, by response status code.",
		}, []string{"code"})
		reg.MustRegister(s.invocations)
		r.Get("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP)
	}

	s.router = r
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, engine.Response{Status: engine.CodeFailed, Message: "invalid invocation event: " + err.Error()})
		return
	}

	resp := s.invoke(r.Context(), req)
	s.writeResponse(w, resp)
}

// writeResponse always answers HTTP 200: the engine's status code is part of
// the response body contract, not transport-level semantics.
func (s *Server) writeResponse(w http.ResponseWriter, resp engine.Response) {
	if s.invocations != nil {
		s.invocations.WithLabelValues(strconv.Itoa(resp.Status)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to write response", zap.Error(err))
	}
}
