// Package api serves the operator API: coordinator snapshots, trade
// statistics, component health and manual position closes, behind
// operator JWT auth.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"failover-trading-bot/config"
	"failover-trading-bot/internal/auth"
	"failover-trading-bot/internal/coordinator"
	"failover-trading-bot/internal/database"
	"failover-trading-bot/internal/locks"
)

// Server is the HTTP status API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	authCfg    config.AuthConfig
	jwt        *auth.JWTManager

	manager   *coordinator.Manager
	ledger    database.TradeStore
	snapshots *database.SnapshotStore
	registry  *locks.Registry
	logger    zerolog.Logger
}

// NewServer wires the status API. Auth may be disabled for local paper
// trading; every data endpoint is then open.
func NewServer(cfg config.ServerConfig, authCfg config.AuthConfig, manager *coordinator.Manager, ledger database.TradeStore, snapshots *database.SnapshotStore, registry *locks.Registry, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		cfg:       cfg,
		authCfg:   authCfg,
		manager:   manager,
		ledger:    ledger,
		snapshots: snapshots,
		registry:  registry,
		logger:    logger.With().Str("component", "APIServer").Logger(),
	}
	if authCfg.Enabled {
		s.jwt = auth.NewJWTManager(authCfg.JWTSecret, authCfg.AccessTokenDuration)
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/v1/auth/login", s.handleLogin)

	v1 := s.router.Group("/api/v1")
	if s.authCfg.Enabled {
		v1.Use(auth.Middleware(s.jwt))
	}
	v1.GET("/status", s.handleStatus)
	v1.GET("/status/:user", s.handleUserStatus)
	v1.GET("/stats/:user", s.handleUserStats)
	v1.GET("/trades/:user", s.handleUserTrades)
	v1.GET("/locks", s.handleLocks)
	v1.POST("/close/:user/:symbol/:priority", s.handleClosePosition)
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("status API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status API failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.ShutdownTimeout)*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
