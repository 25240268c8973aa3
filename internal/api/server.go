package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/mining"
)

// WorkSource is the part of the farm the API reads and writes work through.
type WorkSource interface {
	CurrentWork() mining.WorkPackage
	SetWork(w mining.WorkPackage)
}

// Config defines API server configuration
type Config struct {
	Enabled      bool     `yaml:"enabled"`
	ListenAddr   string   `yaml:"listen_addr"`
	EnableTLS    bool     `yaml:"enable_tls"`
	CertFile     string   `yaml:"cert_file"`
	KeyFile      string   `yaml:"key_file"`
	RateLimit    int      `yaml:"rate_limit"`
	RateBurst    int      `yaml:"rate_burst"`
	AllowOrigins []string `yaml:"allow_origins"`
	// ReadOnly disables work injection.
	ReadOnly bool `yaml:"read_only"`
	// AuthSecret, when set, requires an HS256 bearer token on work
	// injection.
	AuthSecret string `yaml:"auth_secret"`
	// Compress gzips responses for clients that accept it.
	Compress       bool          `yaml:"compress"`
	StreamInterval time.Duration `yaml:"stream_interval"`
}

// Deps are the components the server exposes.
type Deps struct {
	Observer mining.Observer
	Work     WorkSource
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Health reports a failure that makes /healthz unhealthy.
	Health  func() error
	Version string
}

// Response represents API response format
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// Server provides the HTTP stats and control interface.
type Server struct {
	logger  *zap.Logger
	config  Config
	deps    Deps
	router  *mux.Router
	server  *http.Server
	limiter *IPRateLimiter
	started time.Time

	upgrader websocket.Upgrader
	compress func(http.Handler) http.HandlerFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new API server
func NewServer(config Config, logger *zap.Logger, deps Deps) (*Server, error) {
	if !config.Enabled {
		return nil, fmt.Errorf("API server disabled")
	}
	if deps.Observer == nil {
		return nil, errors.New("API server requires a mining observer")
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	if config.StreamInterval <= 0 {
		config.StreamInterval = 2 * time.Second
	}

	server := &Server{
		logger:  logger,
		config:  config,
		deps:    deps,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	server.upgrader = server.newUpgrader()
	if config.Compress {
		wrapper, err := gzhttp.NewWrapper(gzhttp.MinSize(512))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip wrapper: %w", err)
		}
		server.compress = wrapper
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = config.RateLimit
		}
		server.limiter = NewIPRateLimiter(config.RateLimit, time.Second, burst)
	}

	server.setupRoutes()
	return server, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins API server operations
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server",
		zap.String("listen_addr", s.config.ListenAddr),
		zap.Bool("tls_enabled", s.config.EnableTLS),
	)

	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown gracefully stops the API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.stopOnce.Do(func() { close(s.done) })

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}

	return nil
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)
	if s.limiter != nil {
		s.router.Use(s.rateLimitMiddleware)
	}

	s.router.Handle("/getstat1", s.compressed(http.HandlerFunc(s.handleGetStat))).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.compressed(s.deps.Metrics)).Methods("GET")
	}
	// Registered ahead of the subrouter: hijacked connections bypass gzip.
	s.router.HandleFunc("/api/v1/stream", s.handleStream).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.corsMiddleware)
	api.Use(s.compressed)

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/progress", s.handleProgress).Methods("GET")
	api.HandleFunc("/solutions", s.handleSolutions).Methods("GET")
	if s.deps.Work != nil {
		api.HandleFunc("/work", s.handleGetWork).Methods("GET")
		if !s.config.ReadOnly {
			var setWork http.Handler = http.HandlerFunc(s.handleSetWork)
			if s.config.AuthSecret != "" {
				setWork = s.authMiddleware(setWork)
			}
			api.Handle("/work", setWork).Methods("POST")
		}
	}
}

// compressed gzips next when compression is enabled.
func (s *Server) compressed(next http.Handler) http.Handler {
	if s.compress == nil {
		return next
	}
	return s.compress(next)
}

// Middleware

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Check if origin is allowed
		if origin != "" && len(s.config.AllowOrigins) > 0 {
			for _, allowed := range s.config.AllowOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.logger.Debug("API request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", duration),
		)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r.RemoteAddr) {
			s.sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// statDevice is one row of the stat summary. Rates are in MH/s.
type statDevice struct {
	Index  int     `json:"index"`
	Rate   float64 `json:"mhs"`
	TempC  uint32  `json:"temp_c"`
	FanP   uint32  `json:"fan_percent"`
	PowerW float64 `json:"power_w"`
}

type statSummary struct {
	Version   string       `json:"version"`
	Host      string       `json:"host"`
	Uptime    uint64       `json:"uptime_minutes"`
	Devices   []statDevice `json:"devices"`
	Rate      float64      `json:"mhs"`
	Power     float64      `json:"power_w"`
	Solutions string       `json:"solutions"`
}

func (s *Server) handleGetStat(w http.ResponseWriter, r *http.Request) {
	progress := s.deps.Observer.MiningProgress()
	stats := s.deps.Observer.SolutionStats()

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	summary := statSummary{
		Version:   s.deps.Version,
		Host:      host,
		Uptime:    uint64(progress.Uptime / time.Minute),
		Devices:   make([]statDevice, 0, len(progress.Devices)),
		Solutions: formatSolutions(stats),
	}
	for _, d := range progress.Devices {
		row := statDevice{Index: d.Index, Rate: d.HashRate / 1e6}
		if d.Hw != nil {
			row.TempC = d.Hw.TempC
			row.FanP = d.Hw.FanP
			row.PowerW = d.Hw.PowerW
		}
		summary.Devices = append(summary.Devices, row)
		summary.Rate += row.Rate
		summary.Power += row.PowerW
	}

	s.sendJSON(w, http.StatusOK, summary)
}

func formatSolutions(s mining.SolutionStats) string {
	out := fmt.Sprintf("A%d", s.Accepted)
	if s.Rejected > 0 {
		out += fmt.Sprintf(":R%d", s.Rejected)
	}
	if s.Failed > 0 {
		out += fmt.Sprintf(":F%d", s.Failed)
	}
	if s.Stale > 0 {
		out += fmt.Sprintf(":S%d", s.Stale)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(); err != nil {
			s.sendError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]string{"status": "healthy"},
		Time:    time.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	progress := s.deps.Observer.MiningProgress()
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"service":  "dagminer",
			"version":  s.deps.Version,
			"uptime":   time.Since(s.started).Seconds(),
			"devices":  len(progress.Devices),
			"hashrate": progress.HashRate,
		},
		Time: time.Now(),
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    s.deps.Observer.MiningProgress(),
		Time:    time.Now(),
	})
}

func (s *Server) handleSolutions(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    s.deps.Observer.SolutionStats(),
		Time:    time.Now(),
	})
}

func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request) {
	work := s.deps.Work.CurrentWork()
	if !work.Valid() {
		s.sendError(w, http.StatusNotFound, "no work")
		return
	}
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    newWorkJSON(work),
		Time:    time.Now(),
	})
}

func (s *Server) handleSetWork(w http.ResponseWriter, r *http.Request) {
	var req WorkRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	work, err := req.WorkPackage()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.deps.Work.SetWork(work)
	s.sendJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data:    newWorkJSON(s.deps.Work.CurrentWork()),
		Time:    time.Now(),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{
		Success: false,
		Error:   message,
		Time:    time.Now(),
	})
}
