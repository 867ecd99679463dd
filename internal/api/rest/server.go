// Package rest provides the REST API server implementation
package rest

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/auditchain/go-core/internal/audit"
	"github.com/auditchain/go-core/internal/metrics"
	"github.com/auditchain/go-core/internal/ratelimit"
)

// Server is the REST API server
type Server struct {
	engine     *audit.Engine
	store      audit.Store
	verifier   *audit.Verifier
	partitions *audit.PartitionManager
	metrics    metrics.Metrics
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	config     Config
	startTime  time.Time
	auth       *Authenticator
	limiter    ratelimit.Limiter
	clock      func() time.Time
}

// Config configures the REST API server
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableCORS   bool
	CORSOrigins  []string
	// MaxBodyBytes bounds request bodies; zero means 1 MiB
	MaxBodyBytes int64
	// PageSize bounds range reads and export pages
	PageSize int
	Version  string
}

// DefaultConfig returns default REST server configuration
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   false,
		MaxBodyBytes: 1 << 20,
		PageSize:     1000,
		Version:      "dev",
	}
}

// Deps are the components the API serves. Partitions, Metrics, Auth and
// Limiter are optional.
type Deps struct {
	Engine     *audit.Engine
	Store      audit.Store
	Verifier   *audit.Verifier
	Partitions *audit.PartitionManager
	Metrics    metrics.Metrics
	Auth       *Authenticator
	Limiter    ratelimit.Limiter
}

// New creates a new REST API server
func New(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoOpMetrics()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}

	s := &Server{
		engine:     deps.Engine,
		store:      deps.Store,
		verifier:   deps.Verifier,
		partitions: deps.Partitions,
		metrics:    deps.Metrics,
		auth:       deps.Auth,
		limiter:    deps.Limiter,
		router:     mux.NewRouter(),
		logger:     logger,
		config:     cfg,
		startTime:  time.Now(),
		clock:      time.Now,
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s, nil
}

// registerRoutes registers all REST API routes
func (s *Server) registerRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.metricsMiddleware)

	if s.config.EnableCORS {
		s.router.Use(s.corsMiddleware)
	}

	// Health and metrics endpoints (no auth required)
	s.router.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	s.router.Handle("/metrics", s.metrics.HTTPHandler()).Methods("GET")

	v1 := s.router.PathPrefix("/v1").Subrouter()
	if s.auth != nil {
		v1.Use(s.auth.Handler)
	}

	v1.HandleFunc("/records", s.queryRecordsHandler).Methods("GET")

	// Chain ids may contain "/", so they are matched greedily and the
	// operation is taken from the fixed suffix
	chains := v1.PathPrefix("/chains").Subrouter()
	chains.Handle("/{chain:.+}/records", s.rateLimitMiddleware(http.HandlerFunc(s.appendHandler))).Methods("POST")
	chains.HandleFunc("/{chain:.+}/records", s.rangeHandler).Methods("GET")
	chains.HandleFunc("/{chain:.+}/records/{event_id:[^/]+}", s.getRecordHandler).Methods("GET")
	chains.HandleFunc("/{chain:.+}/tail", s.tailHandler).Methods("GET")
	chains.HandleFunc("/{chain:.+}/verify", s.verifyHandler).Methods("POST")
	chains.HandleFunc("/{chain:.+}/export", s.exportHandler).Methods("GET")
	chains.HandleFunc("/{chain:.+}/follow", s.followHandler).Methods("GET")
	chains.HandleFunc("/{chain:.+}/partitions/eligible", s.eligiblePartitionsHandler).Methods("GET")

	operator := RequireRole(RoleOperator)
	chains.Handle("/{chain:.+}/partitions/archive", operator(http.HandlerFunc(s.archivePartitionsHandler))).Methods("POST")
	chains.Handle("/{chain:.+}/resume", operator(http.HandlerFunc(s.resumeHandler))).Methods("POST")
}

// Start starts the REST API server
func (s *Server) Start() error {
	s.logger.Info("Starting REST API server",
		zap.String("addr", s.config.Addr),
		zap.Bool("auth_enabled", s.auth != nil),
		zap.Bool("cors_enabled", s.config.EnableCORS),
		zap.Bool("rate_limit_enabled", s.limiter != nil),
	)

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the REST API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler interface for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrappedWriter := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrappedWriter, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrappedWriter.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
				)
				WriteError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.IncActiveRequests()
		defer s.metrics.DecActiveRequests()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.config.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// healthCheckHandler reports degraded while any chain is halted
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]interface{})

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	if _, err := s.store.ListChains(ctx); err != nil {
		checks["store"] = err.Error()
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	halted := s.engine.HaltedChains()
	if len(halted) > 0 && code == http.StatusOK {
		status = "degraded"
	}

	WriteJSON(w, code, HealthResponse{
		Status:       status,
		Version:      s.config.Version,
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		Timestamp:    time.Now().UTC(),
		HaltedChains: halted,
		Checks:       checks,
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Flush forwards streaming writes
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
