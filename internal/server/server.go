package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/distmatch/revgauss/internal/mixture"
	"github.com/distmatch/revgauss/internal/observability/metrics"
	"github.com/distmatch/revgauss/internal/reversible"
	"github.com/distmatch/revgauss/internal/training"
)

// Server exposes training status, mixture state and reconstruction over HTTP.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *logrus.Logger
	config     *Config

	trainer *training.Trainer
	mixture *mixture.Model
	model   *reversible.Pipeline
	metrics *metrics.PrometheusMetrics

	startTime time.Time
}

// Config contains server configuration
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	EnableMetrics   bool          `yaml:"enable_metrics" json:"enable_metrics"`
	MaxReconstruct  int           `yaml:"max_reconstruct" json:"max_reconstruct"`
}

func getDefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		EnableMetrics:   true,
		MaxReconstruct:  4096,
	}
}

// NewServer creates a new HTTP server instance
func NewServer(config *Config, logger *logrus.Logger) (*Server, error) {
	if config == nil {
		config = getDefaultConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	server := &Server{
		router:    mux.NewRouter(),
		logger:    logger,
		config:    config,
		startTime: time.Now(),
	}

	server.setupRoutes()
	server.setupMiddleware()

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server, nil
}

// SetTrainer attaches the trainer whose status the server reports.
func (s *Server) SetTrainer(t *training.Trainer) { s.trainer = t }

// SetMixture attaches the mixture model served by the mixture endpoint.
func (s *Server) SetMixture(m *mixture.Model) { s.mixture = m }

// SetModel attaches the invertible pipeline used for reconstruction.
func (s *Server) SetModel(p *reversible.Pipeline) { s.model = p }

// SetMetrics attaches the Prometheus metrics and exposes them under /metrics.
func (s *Server) SetMetrics(pm *metrics.PrometheusMetrics) {
	s.metrics = pm
	if s.config.EnableMetrics && pm != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(pm.Registry(), promhttp.HandlerOpts{}))
	}
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Starting HTTP server on %s:%d", s.config.Host, s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)
	s.router.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/mixture", s.handleMixture).Methods(http.MethodGet)
	api.HandleFunc("/reconstruct", s.handleReconstruct).Methods(http.MethodGet)
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
}
