package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"binance-signal-engine/config"
	"binance-signal-engine/internal/auth"
	"binance-signal-engine/internal/btc"
	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/database"
	"binance-signal-engine/internal/events"
	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/metrics"
	"binance-signal-engine/internal/scheduler"
	"binance-signal-engine/internal/signal"
)

// SignalStore is the read side of the signal store plus the job log
type SignalStore interface {
	Get(ctx context.Context, id string) (*signal.Signal, error)
	List(ctx context.Context, f database.Filter) []*signal.Signal
	ListSchedulerEvents(ctx context.Context, job string, limit int) ([]database.SchedulerEvent, error)
	Ping(ctx context.Context) error
}

// Engine is the operator-facing slice of the confirmation engine
type Engine interface {
	Expire(ctx context.Context, id string, reason signal.Criterion) (*signal.Signal, error)
}

// BTCSource provides the consolidated BTC analysis
type BTCSource interface {
	Current(ctx context.Context) (btc.Consolidated, error)
}

// JobRunner triggers and reports scheduler jobs
type JobRunner interface {
	RunNow(ctx context.Context, name string) (string, error)
	Status() []scheduler.JobStatus
}

// Deps are the collaborators behind the routes. Counters, Bus, Gatherer and
// Authorizer may be nil.
type Deps struct {
	Store      SignalStore
	Engine     Engine
	BTC        BTCSource
	Jobs       JobRunner
	Counters   *metrics.Confirmation
	Bus        *events.EventBus
	Gatherer   prometheus.Gatherer
	Authorizer auth.Authorizer
	Clock      clock.Clock
}

// RateLimiter provides simple in-memory rate limiting per client
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
	clock    clock.Clock
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		clock:    clk,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Prune drops keys with no requests inside the window
func (r *RateLimiter) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	windowStart := r.clock.Now().Add(-r.window)
	for key, times := range r.requests {
		if len(times) == 0 || !times[len(times)-1].After(windowStart) {
			delete(r.requests, key)
		}
	}
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      config.ServerConfig
	deps        Deps
	hub         *WSHub
	rateLimiter *RateLimiter
	logger      *logging.Logger
	started     time.Time
}

// NewServer builds the router. Call Start to listen.
func NewServer(cfg config.ServerConfig, deps Deps, logger *logging.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}

	router := gin.New()
	router.Use(logging.GinMiddleware(logger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Trace-ID"}
	router.Use(cors.New(corsConfig))
	router.Use(auth.Middleware(deps.Authorizer))

	s := &Server{
		router: router,
		config: cfg,
		deps:   deps,
		hub:    NewWSHub(logger),
		logger: logger.WithComponent("api"),
	}
	s.started = deps.Clock.Now()
	if cfg.RequestsPerMinute > 0 {
		s.rateLimiter = NewRateLimiter(cfg.RequestsPerMinute, time.Minute, deps.Clock)
	}
	s.subscribe()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	public := s.router.Group("/", s.rateLimitMiddleware())
	public.GET("/signals/confirmed", s.handleConfirmed)
	public.GET("/signals/:id", s.handleGetSignal)
	public.GET("/ws/signals", s.handleWebSocket)

	private := s.router.Group("/", auth.RequirePrivileged())
	private.GET("/signals/pending", s.handlePending)
	private.GET("/signals/rejected", s.handleRejected)
	private.POST("/signals/:id/expire", s.handleExpire)
	private.GET("/btc/metrics", s.handleBTCMetrics)
	private.POST("/system/restart", s.handleRestart)
	private.GET("/system/jobs", s.handleJobs)
}

// rateLimitMiddleware limits public requests per client IP. Privileged
// callers are not limited.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.rateLimiter == nil || auth.IsPrivileged(c) {
			c.Next()
			return
		}
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.Header("Retry-After", "60")
			errorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Handler exposes the router for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the decision stream hub
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Start starts the hub and the HTTP server; it blocks until Shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run()
	if s.rateLimiter != nil {
		go s.pruneLoop()
	}

	s.logger.Info("Starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) pruneLoop() {
	for {
		select {
		case <-s.hub.done:
			return
		case <-s.deps.Clock.After(5 * time.Minute):
			s.rateLimiter.Prune()
		}
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.hub.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// errorResponse sends {success:false, message}
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"message": message,
	})
}

// successResponse sends {success:true, data}
func successResponse(c *gin.Context, data interface{}) {
	successResponseWithStatus(c, http.StatusOK, data)
}

func successResponseWithStatus(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, gin.H{
		"success": true,
		"data":    data,
	})
}
