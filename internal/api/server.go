package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"deriv-bot-manager/config"
	"deriv-bot-manager/internal/auth"
	"deriv-bot-manager/internal/credentials"
	"deriv-bot-manager/internal/lifecycle"
	"deriv-bot-manager/internal/logging"
	"deriv-bot-manager/internal/pending"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LifecycleAPI is the part of the lifecycle controller the HTTP surface drives
type LifecycleAPI interface {
	Reconciled() bool
	Workers() []lifecycle.WorkerStatus
	Lookup(query string) (lifecycle.WorkerStatus, lifecycle.Result, error)
	Stop(ctx context.Context, query string) (lifecycle.Result, error)
	Start(ctx context.Context, query string) (lifecycle.Result, error)
	SetLimit(ctx context.Context, query string, limit int) (lifecycle.Result, error)
	Terminate(ctx context.Context, query string) (lifecycle.Result, error)
	StagePending(ctx context.Context, ref credentials.Reference, paymentRef string) (string, error)
	PendingList(ctx context.Context) ([]pending.Activation, error)
	Approve(ctx context.Context, ephemeralID, finalIdentity, source string) (lifecycle.ApproveResult, error)
	ConfirmPayment(ctx context.Context, ev lifecycle.PaymentEvent) (lifecycle.PaymentResult, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ServerDeps are the collaborators the HTTP server needs
type ServerDeps struct {
	Config    *config.Config
	Lifecycle LifecycleAPI
	// Auth can be nil, in which case the admin routes are not mounted
	Auth *auth.Service
	// DB can be nil when running without Postgres
	DB       HealthChecker
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	lifecycle   LifecycleAPI
	authService *auth.Service
	db          HealthChecker
	gatherer    prometheus.Gatherer
	config      config.ServerConfig
	payment     config.PaymentConfig
	rateLimiter *RateLimiter
	logger      *logging.Logger
	startedAt   time.Time
}

// NewServer creates a new API server
func NewServer(deps ServerDeps) *Server {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(requestLogMiddleware())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(deps.Config.ServerConfig.AllowedOrigins)
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Signature", requestIDHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", requestIDHeader}
	router.Use(cors.New(corsConfig))

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	rl := deps.Config.RateLimitConfig
	server := &Server{
		router:      router,
		lifecycle:   deps.Lifecycle,
		authService: deps.Auth,
		db:          deps.DB,
		gatherer:    gatherer,
		config:      deps.Config.ServerConfig,
		payment:     deps.Config.PaymentConfig,
		rateLimiter: NewRateLimiter(rl.RequestsPerSecond, rl.Burst),
		logger:      logging.WithComponent("api"),
		startedAt:   time.Now(),
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", server.config.Host, server.config.Port),
		Handler:      router,
		ReadTimeout:  secondsOr(server.config.ReadTimeout, 15),
		WriteTimeout: secondsOr(server.config.WriteTimeout, 15),
		IdleTimeout:  60 * time.Second,
	}

	server.setupRoutes()
	return server
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" && o != "*" {
			out = append(out, o)
		}
	}
	return out
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api")
	{
		api.GET("/info", s.handleInfo)
		api.POST("/pending", s.rateLimitMiddleware(), s.handleStagePending)

		track := api.Group("/track/:shortId", s.rateLimitMiddleware())
		{
			track.GET("", s.handleTrack)
			track.POST("/stop", s.handleTrackStop)
			track.POST("/start", s.handleTrackStart)
			track.POST("/limit", s.handleTrackLimit)
		}

		api.POST("/payments/webhook", s.handlePaymentWebhook)
	}

	if s.authService == nil {
		s.logger.Warn("Admin authentication not configured, admin routes disabled")
		return
	}

	authHandlers := auth.NewHandlers(s.authService)
	api.POST("/admin/login", s.rateLimitMiddleware(), authHandlers.Login)

	admin := api.Group("/admin", auth.AdminMiddleware(s.authService.GetJWTManager()))
	{
		admin.GET("/pending", s.handleAdminPendingList)
		admin.POST("/pending/indirect", s.handleAdminStageIndirect)
		admin.POST("/pending/:id/approve", s.handleAdminApprove)

		admin.GET("/workers", s.handleAdminWorkers)
		admin.DELETE("/workers/:id", s.handleAdminTerminate)
		admin.POST("/workers/:id/stop", s.handleAdminStop)
		admin.POST("/workers/:id/start", s.handleAdminStart)
		admin.POST("/workers/:id/limit", s.handleAdminLimit)
	}
}

// Router exposes the handler for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports liveness
// GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleReady reports whether the fleet is restored and the database reachable
// GET /ready
func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	reconciled := s.lifecycle.Reconciled()
	dbStatus := "disabled"
	dbHealthy := true
	if s.db != nil {
		dbStatus = "healthy"
		if err := s.db.HealthCheck(ctx); err != nil {
			dbStatus = "unhealthy"
			dbHealthy = false
		}
	}

	status := http.StatusOK
	if !reconciled || !dbHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":      status == http.StatusOK,
		"reconciled": reconciled,
		"database":   dbStatus,
		"workers":    len(s.lifecycle.Workers()),
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
