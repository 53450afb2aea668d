package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
)

const requestTimeout = 10 * time.Second

// StateSource is the read side of the checkpoint. *checkpoint.Store
// implements it.
type StateSource interface {
	Stats() checkpoint.Stats
	Node(key string) (checkpoint.NodeState, bool)
}

// Server wires HTTP handlers to the checkpoint and metrics registry.
type Server struct {
	router chi.Router
	state  StateSource
	logger *zap.Logger
}

// NewServer constructs a Server. reg serves /metrics and also receives the
// server's own request metrics.
func NewServer(state StateSource, reg *prometheus.Registry, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		return nil, errors.New("metrics registry is required")
	}
	s := &Server{state: state, logger: logger.Named("ops")}
	metrics, err := newRequestMetrics(reg)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Route("/v1/checkpoint", func(r chi.Router) {
		r.Get("/", s.checkpointStats)
		r.Get("/nodes/{key}", s.checkpointNode)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx ends, then shuts down within grace.
func (s *Server) Serve(ctx context.Context, addr string, grace time.Duration) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("ops server listening", zap.String("addr", lis.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown ops server: %w", err)
	}
	<-errCh
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.state == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint not open")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	Nodes map[checkpoint.NodeStatus]int `json:"nodes"`
	Rows  map[checkpoint.RowStatus]int  `json:"rows"`
	Gaps  []string                      `json:"gaps"`
}

func (s *Server) checkpointStats(w http.ResponseWriter, _ *http.Request) {
	if s.state == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint not open")
		return
	}
	st := s.state.Stats()
	gaps := st.Gaps
	if gaps == nil {
		gaps = []string{}
	}
	writeJSON(w, http.StatusOK, statsResponse{Nodes: st.Nodes, Rows: st.Rows, Gaps: gaps})
}

type nodeResponse struct {
	Key     string                `json:"key"`
	Status  checkpoint.NodeStatus `json:"status"`
	Outcome checkpoint.Outcome    `json:"outcome,omitempty"`
}

func (s *Server) checkpointNode(w http.ResponseWriter, r *http.Request) {
	if s.state == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint not open")
		return
	}
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node key")
		return
	}
	st, ok := s.state.Node(key)
	if !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, nodeResponse{Key: key, Status: st.Status, Outcome: st.Outcome})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
