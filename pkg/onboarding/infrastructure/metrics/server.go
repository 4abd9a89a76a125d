package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// Server exposes a PrometheusRecorder's registry over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer creates a server listening on cfg.ListenAddress and serving cfg.Path.
func NewServer(recorder *PrometheusRecorder, cfg config.MetricsConfig) *Server {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(recorder.GetRegistry(), promhttp.HandlerOpts{Registry: recorder.GetRegistry()}))
	return &Server{srv: &http.Server{Addr: cfg.ListenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves in the background until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		logger.Infof("Serving metrics on %s.", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server stopped: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
