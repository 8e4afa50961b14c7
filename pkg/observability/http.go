package observability

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/backends"
	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/pool"
	"github.com/ajitpratap0/poolkit/pkg/registry"
)

// Health is the body of /healthz.
type Health struct {
	Status    string   `json:"status"`
	Pools     int      `json:"pools"`
	Saturated []string `json:"saturated,omitempty"`
	Closed    []string `json:"closed,omitempty"`
}

// NewHandler serves:
//
//	GET /metrics        Prometheus exposition of gatherer
//	GET /pools          snapshots of every pool
//	GET /pools/{name}   snapshot of one pool
//	GET /backends       supported backend kinds
//	GET /healthz        200 unless a registered pool is closed
func NewHandler(reg *registry.Registry, gatherer prometheus.Gatherer, l *zap.Logger) http.Handler {
	if l == nil {
		l = reg.Logger()
	}
	h := &handler{reg: reg, logger: l.With(zap.String("component", "http"))}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(h.logger),
	}))
	mux.HandleFunc("GET /pools", h.pools)
	mux.HandleFunc("GET /pools/{name}", h.pool)
	mux.HandleFunc("GET /backends", h.backends)
	mux.HandleFunc("GET /healthz", h.health)
	return mux
}

type handler struct {
	reg    *registry.Registry
	logger *zap.Logger
}

func (h *handler) pools(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.reg.SnapshotAll())
}

func (h *handler) pool(w http.ResponseWriter, r *http.Request) {
	p, err := h.reg.Lookup(r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p.Snapshot())
}

func (h *handler) backends(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, backends.Describe())
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	snaps := h.reg.SnapshotAll()
	body := evaluateHealth(snaps)

	status := http.StatusOK
	if len(body.Closed) > 0 {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, body)
}

func evaluateHealth(snaps []pool.Snapshot) Health {
	body := Health{Status: "ok", Pools: len(snaps)}
	for _, s := range snaps {
		switch {
		case s.Closed:
			body.Closed = append(body.Closed, s.Name)
		case s.Stats.Waiting > 0:
			body.Saturated = append(body.Saturated, s.Name)
		}
	}
	switch {
	case len(body.Closed) > 0:
		body.Status = "unavailable"
	case len(body.Saturated) > 0:
		body.Status = "degraded"
	}
	return body
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.TypeOf(err) {
	case errors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrorTypeValidation:
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"type":  string(errors.TypeOf(err)),
	})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", zap.Error(err))
	}
}

// Server is the telemetry HTTP server.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a server for handler on addr. Requests are traced with
// TracingMiddleware.
func NewServer(addr, serviceName string, handler http.Handler, l *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           TracingMiddleware(serviceName)(handler),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: l.With(zap.String("component", "http_server"), zap.String("addr", addr)),
	}
}

// Serve accepts on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("telemetry server listening", zap.String("listen", ln.Addr().String()))
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeInternal, "telemetry server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "telemetry server shutdown failed")
	}
	s.logger.Info("telemetry server stopped")
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to listen").WithDetail("addr", s.srv.Addr)
	}
	return s.Serve(ctx, ln)
}
