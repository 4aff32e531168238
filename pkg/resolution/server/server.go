// Package server is the operational surface of `freightdesk serve`: health,
// readiness, metrics, version and on-demand processing over HTTP, plus the
// standard gRPC health service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/otherjamesbrown/freightdesk/pkg/buildinfo"
	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/queue"
)

// ServiceName is reported by /version and logs.
const ServiceName = "freightdesk"

// Processor runs one stored message through the pipeline.
type Processor interface {
	Process(ctx context.Context, messageID string) (*resolution.Outcome, error)
}

// Enqueuer hands message ids to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobs ...queue.Job) ([]string, error)
}

// Check is a named readiness probe. A nil error means ready.
type Check func(ctx context.Context) error

// Config configures listeners and timeouts.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	CheckTimeout    time.Duration `yaml:"check_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the default listener configuration.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    2 * time.Minute,
		CheckInterval:   10 * time.Second,
		CheckTimeout:    2 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Server serves the HTTP and gRPC surfaces.
type Server struct {
	cfg          Config
	processor    Processor
	enqueuer     Enqueuer
	gatherer     prometheus.Gatherer
	rulesVersion func() string
	logger       logging.Logger

	mu     sync.RWMutex
	checks map[string]Check

	health *health.Server
}

// Option configures a Server.
type Option func(*Server)

// WithProcessor enables POST /v1/messages/{id}/process.
func WithProcessor(p Processor) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// WithEnqueuer enables POST /v1/messages/{id}/enqueue.
func WithEnqueuer(q Enqueuer) Option {
	return func(s *Server) {
		s.enqueuer = q
	}
}

// WithGatherer sets the registry served at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithRulesVersion reports the live rulebook version at /version.
func WithRulesVersion(fn func() string) Option {
	return func(s *Server) {
		s.rulesVersion = fn
	}
}

// WithCheck adds a readiness probe.
func WithCheck(name string, c Check) Option {
	return func(s *Server) {
		s.checks[name] = c
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server. Zero fields of cfg take the DefaultConfig values.
func New(cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &Server{
		cfg:      cfg,
		gatherer: prometheus.DefaultGatherer,
		logger:   logging.MustGlobal(),
		checks:   map[string]Check{},
		health:   health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.F("component", "server"))
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/version", buildinfo.Handler(ServiceName, s.rulesVersion))

	r.Route("/v1/messages/{id}", func(r chi.Router) {
		r.Post("/process", s.handleProcess)
		r.Post("/enqueue", s.handleEnqueue)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Probes and scrapes are too frequent for info.
		log := s.logger.Info
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			log = s.logger.Debug
		}
		log("HTTP request",
			logging.F("method", r.Method),
			logging.F("path", r.URL.Path),
			logging.F("status", ww.Status()),
			logging.F("request_id", middleware.GetReqID(r.Context())),
			logging.F("duration_ms", time.Since(start).Milliseconds()))
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadinessReport is the body of /readyz.
type ReadinessReport struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// Ready runs every readiness probe.
func (s *Server) Ready(ctx context.Context) ReadinessReport {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	report := ReadinessReport{Ready: true, Checks: make(map[string]string, len(names))}
	for _, name := range names {
		s.mu.RLock()
		check := s.checks[name]
		s.mu.RUnlock()

		cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			report.Ready = false
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	report := s.Ready(r.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

// ProcessResponse is the body of the process endpoint.
type ProcessResponse struct {
	Outcome *resolution.Outcome `json:"outcome,omitempty"`
	Error   string              `json:"error,omitempty"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		respondError(w, http.StatusServiceUnavailable, "processing is not enabled")
		return
	}
	id := chi.URLParam(r, "id")

	out, err := s.processor.Process(r.Context(), id)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, ProcessResponse{Outcome: out})
	case out == nil && fderrors.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Warn("On-demand processing failed", logging.Err(err), logging.F("message_id", id))
		respondJSON(w, http.StatusInternalServerError, ProcessResponse{Outcome: out, Error: err.Error()})
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.enqueuer == nil {
		respondError(w, http.StatusServiceUnavailable, "queue is not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	priority := queue.PriorityHigh
	if p := r.URL.Query().Get("priority"); p != "" {
		priority = queue.ParsePriority(p)
	}

	ids, err := s.enqueuer.Enqueue(r.Context(), queue.Job{MessageID: id, Priority: priority})
	if err != nil {
		s.logger.Error("Failed to enqueue message", logging.Err(err), logging.F("message_id", id))
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"job_id": ids[0], "message_id": id})
}

// RefreshHealth runs the readiness probes and publishes the result on the
// gRPC health service.
func (s *Server) RefreshHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if !s.Ready(ctx).Ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Health returns the gRPC health service.
func (s *Server) Health() healthpb.HealthServer {
	return s.health
}

// Run serves HTTP and, when GRPCAddr is set, gRPC health until ctx is
// cancelled, then shuts both down.
func (s *Server) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	var grpcLis net.Listener
	if s.cfg.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve is Run on existing listeners. grpcLis may be nil.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	httpSrv := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	var grpcSrv *grpc.Server
	if grpcLis != nil {
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, s.health)
	}
	s.RefreshHealth(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server listening", logging.F("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			s.logger.Info("gRPC health listening", logging.F("addr", grpcLis.Addr().String()))
			if err := grpcSrv.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.RefreshHealth(gctx)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		s.logger.Info("Server stopped")
		return nil
	})

	return g.Wait()
}
