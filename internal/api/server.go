// Package api exposes the HTTP surface: device enrolment, lock-proof
// writes, verification and certificate lookups.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archiveorigin/proofd/config"
	"github.com/archiveorigin/proofd/internal/auth"
	"github.com/archiveorigin/proofd/internal/database"
	"github.com/archiveorigin/proofd/internal/ratelimit"
	"github.com/archiveorigin/proofd/internal/tokens"
	"github.com/archiveorigin/proofd/internal/verify"
	"github.com/archiveorigin/proofd/pkg/logger"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofd_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proofd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	verifyVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofd_verify_verdicts_total",
			Help: "Verification verdicts by outcome",
		},
		[]string{"status"},
	)
)

// Store is what the transport layer needs from persistence directly:
// the health probe and certificate reads.
type Store interface {
	Healthy(ctx context.Context) bool
	GetCertificate(ctx context.Context, certHash string) (*database.AttestationCert, error)
}

// Server is the HTTP API server.
type Server struct {
	cfg     *config.Config
	db      Store
	tokens  *tokens.Service
	verify  *verify.Engine
	auth    *auth.Authenticator
	limiter *ratelimit.Limiter
	log     *logger.Logger
	router  *gin.Engine
	server  *http.Server
}

// NewServer wires the HTTP surface over the domain services.
func NewServer(
	cfg *config.Config,
	db Store,
	tokenSvc *tokens.Service,
	engine *verify.Engine,
	authenticator *auth.Authenticator,
	limiter *ratelimit.Limiter,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		db:      db,
		tokens:  tokenSvc,
		verify:  engine,
		auth:    authenticator,
		limiter: limiter,
		log:     log,
		router:  router,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(s.cfg.Server.CORSOrigins) == 1 && s.cfg.Server.CORSOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.Server.CORSOrigins
	}
	s.router.Use(cors.New(corsCfg))
}

// requestIDMiddleware echoes or synthesizes X-Request-ID.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()

		apiRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
		apiRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration.Seconds())

		s.log.Debug("Request handled",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", duration.Milliseconds(),
			"request_id", c.GetString("request_id"),
		)
	}
}

// requireTLS rejects plain-HTTP verifier calls when TLS is mandated,
// honoring X-Forwarded-Proto from a terminating proxy.
func (s *Server) requireTLS(c *gin.Context) bool {
	if !s.cfg.Server.TLSRequired {
		return true
	}
	scheme := c.GetHeader("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
	}
	if scheme == "https" {
		return true
	}
	c.JSON(http.StatusBadRequest, gin.H{"detail": "tls_required"})
	return false
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.POST("/device/enroll", s.handleEnroll)
	s.router.POST("/lock-proof", s.handleLockProof)

	v1 := s.router.Group("/api/v1")
	v1.POST("/verify", s.handleVerify)
	v1.POST("/ledger/lookup", s.handleLedgerLookup)
	v1.GET("/certs/:cert_hash", s.handleGetCertificate)
}

// Start begins serving and blocks until the listener fails or closes.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	s.log.Info("Starting API server", "addr", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
