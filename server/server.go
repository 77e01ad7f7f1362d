package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/claude-chat/api"
	"github.com/xiaoyuanzhu-com/claude-chat/chat"
	"github.com/xiaoyuanzhu-com/claude-chat/config"
	"github.com/xiaoyuanzhu-com/claude-chat/log"
)

// Server owns and coordinates all application components
type Server struct {
	cfg *config.Config

	manager *chat.Manager

	// Shutdown context - cancelled when the server is shutting down.
	// The chat WebSocket handler listens to this.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	// HTTP
	router *gin.Engine
	http   *http.Server
}

// New creates a new server with all components initialized
func New(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	log.Info().Msg("initializing chat manager")
	s.manager = chat.NewManager(chat.ManagerConfig{
		CLIPath:       cfg.CLIPath,
		IdleTTL:       cfg.SessionIdleTTL,
		CleanInterval: cfg.SessionCleanInterval,
		SettingsDir:   cfg.SettingsDir,
		Debug:         cfg.DebugModules,
	})

	s.setupRouter()

	log.Info().Msg("server initialized")
	return s
}

// setupRouter creates and configures the Gin router
func (s *Server) setupRouter() {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	if s.cfg.IsDevelopment() {
		s.router.Use(s.corsMiddleware())
	} else {
		s.router.Use(s.securityHeadersMiddleware())
	}

	// Gzip compression (skip the WebSocket upgrade and the SSE stream)
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/api/chat/ws",
		"/api/prompts/stream",
	})))

	s.router.SetTrustedProxies(nil)

	// Ignore .well-known requests
	s.router.GET("/.well-known/*path", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	api.SetupRoutes(s.router, api.NewHandler(s.manager, s.shutdownCtx))
}

// corsMiddleware handles CORS for development environments
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			fmt.Sprintf("http://localhost:%d", s.cfg.Port): true,
			"http://localhost:5173":                        true,
		}

		if allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// securityHeadersMiddleware adds security headers for production
func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "SAMEORIGIN")
		c.Header("Cross-Origin-Opener-Policy", "same-origin")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// Start starts the manager and the HTTP server (blocks)
func (s *Server) Start() error {
	log.Info().Msg("starting chat manager")
	s.manager.Start()

	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:  s.router,
		ErrorLog: log.StdErrorLogger(),
	}

	log.Info().
		Str("addr", s.http.Addr).
		Str("env", s.cfg.Env).
		Msg("HTTP server starting")

	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	// 1. Signal long-running handlers (chat WebSockets) to stop before
	// closing the HTTP server, so they close their connections cleanly.
	s.shutdownCancel()
	time.Sleep(100 * time.Millisecond)

	// 2. Stop the manager; this tears down every live CLI child
	s.manager.Stop()

	// 3. Shutdown the HTTP server
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
			return err
		}
	}

	log.Info().Msg("server shutdown complete")
	return nil
}

// Component accessors
func (s *Server) Manager() *chat.Manager           { return s.manager }
func (s *Server) Router() *gin.Engine              { return s.router }
func (s *Server) ShutdownContext() context.Context { return s.shutdownCtx }
