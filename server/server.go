// Package server exposes the symptom and scan pipelines and the credential
// gate over a JSON HTTP API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/YuminosukeSato/respirex/auth"
	"github.com/YuminosukeSato/respirex/imaging"
	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"github.com/YuminosukeSato/respirex/risk"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultMaxUploadBytes = 32 << 20
	shutdownTimeout       = 10 * time.Second
)

// Authenticator is the credential gate used by the auth routes.
type Authenticator interface {
	Register(ctx context.Context, email, password string) (*auth.User, error)
	Login(ctx context.Context, email, password string) (*auth.User, error)
}

// Server routes HTTP requests to the pipelines. The pipelines are shared
// read-only between requests.
type Server struct {
	engine    *gin.Engine
	symptoms  *risk.Predictor
	scans     *imaging.Classifier
	users     Authenticator
	metrics   *Metrics
	logger    log.Logger
	maxUpload int64
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics replaces the server's collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMaxUploadBytes bounds the size of an uploaded scan.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		s.maxUpload = n
	}
}

// New builds the router. A nil pipeline is served as unavailable; a nil
// Authenticator disables the auth routes with 503.
func New(symptoms *risk.Predictor, scans *imaging.Classifier, users Authenticator, opts ...Option) *Server {
	if symptoms == nil {
		symptoms = risk.Unavailable(nil)
	}
	if scans == nil {
		scans = imaging.Unavailable(nil)
	}
	s := &Server{
		symptoms:  symptoms,
		scans:     scans,
		users:     users,
		logger:    log.GetLoggerWithName("server"),
		maxUpload: defaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	s.metrics.setAvailable(log.PipelineSymptom, symptoms.Available())
	s.metrics.setAvailable(log.PipelineScan, scans.Available())

	e := gin.New()
	e.MaxMultipartMemory = s.maxUpload
	e.Use(gin.Recovery(), RequestID(), Observability(s.metrics, s.logger))

	e.GET("/healthz", s.health)
	e.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	v1 := e.Group("/api/v1")
	{
		v1.GET("/features", s.features)

		authGroup := v1.Group("/auth")
		authGroup.POST("/register", s.register)
		authGroup.POST("/login", s.login)

		predict := v1.Group("/predict")
		predict.POST("/symptoms", s.predictSymptoms)
		predict.POST("/scan", s.predictScan)
	}
	s.engine = e
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "http.addr", addr,
			"symptom_available", s.symptoms.Available(),
			"scan_available", s.scans.Available(),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "failed to serve on %s", addr)
	case <-ctx.Done():
	}

	s.logger.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down HTTP server")
	}
	return nil
}
