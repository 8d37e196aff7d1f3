package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/config"
	"github.com/energizer-project/lobbyhub/internal/events"
	"github.com/energizer-project/lobbyhub/internal/lobby"
	"github.com/energizer-project/lobbyhub/internal/loop"
	intnet "github.com/energizer-project/lobbyhub/internal/network"
	"github.com/energizer-project/lobbyhub/internal/store"
)

// Deps are the hub components the API drives. Store may be nil, in which
// case changes are not persisted.
type Deps struct {
	Loop      *loop.Loop
	Orch      *lobby.Orchestrator
	Listener  *beacon.Listener
	Instances *lobby.InstanceHost
	Store     *store.LobbyStore
	EventBus  *events.EventBus
}

// Server is the admin REST API of the hub. Handlers never touch lobby
// state directly; they run closures on the control loop.
type Server struct {
	cfg *config.Config
	Deps

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.GetApplication().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{cfg: cfg, Deps: deps}
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	hub := s.cfg.GetHub()
	security := s.cfg.GetApplication().Security

	addr := fmt.Sprintf(":%d", hub.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if security.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(security.TLSCertFile, security.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load API TLS certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", security.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if security.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	security := s.cfg.GetApplication().Security
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(security.RateLimitRPS).Middleware())
	router.Use(IPWhitelist(security.IPWhitelist))

	// ---- Public endpoints ----
	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/status", s.handleStatus)
	}

	// ---- Protected endpoints ----
	protected := router.Group("/api")
	protected.Use(RequireToken(security.AdminToken))
	{
		protected.GET("/matches", s.handleListMatches)
		protected.POST("/matches", s.handleHostMatch)
		protected.GET("/matches/:id", s.handleGetMatch)
		protected.DELETE("/matches/:id", s.handleRemoveMatch)
		protected.POST("/matches/:id/launch", s.handleLaunchMatch)
		protected.POST("/matches/:id/join", s.handleJoinMatch)
		protected.POST("/matches/:id/leave", s.handleLeaveMatch)
		protected.POST("/matches/:id/shutdown", s.handleShutdownMatch)
		protected.POST("/matches/:id/kick", s.handleKick)
		protected.POST("/matches/:id/rcon", s.handleRcon)
		protected.POST("/matches/:id/admin", s.handleAuthorizeAdmin)
		protected.POST("/matches/:id/message", s.handleMessage)

		protected.POST("/beacon/pause", s.handlePauseBeacon)
		protected.POST("/beacon/resume", s.handleResumeBeacon)

		protected.GET("/bans", s.handleListBans)
		protected.POST("/bans", s.handleAddBan)
		protected.DELETE("/bans/:id", s.handleRemoveBan)
		protected.POST("/keys", s.handleAddKey)
		protected.DELETE("/keys/:key", s.handleRemoveKey)
		protected.GET("/maps", s.handleGetMaps)
		protected.PUT("/maps", s.handleSetMaps)

		protected.GET("/history", s.handleHistory)
		protected.GET("/config", s.handleGetConfig)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "lobbyhub API is running"})
	})

	return router
}

// onLoop runs fn on the control loop, answering 503 if the loop is gone.
func (s *Server) onLoop(c *gin.Context, fn func()) bool {
	if err := s.Loop.Do(c.Request.Context(), fn); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hub is shutting down"})
		return false
	}
	return true
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
