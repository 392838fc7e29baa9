package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"failover-trading-bot/internal/auth"
	"failover-trading-bot/internal/database"
)

type loginRequest struct {
	Operator string `json:"operator" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
}

// handleLogin exchanges the operator secret for a bearer token.
func (s *Server) handleLogin(c *gin.Context) {
	if !s.authCfg.Enabled {
		c.JSON(http.StatusNotFound, gin.H{"error": "auth disabled"})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator and secret required"})
		return
	}

	if !auth.VerifyOperatorSecret(req.Secret, s.authCfg.OperatorSecretHash) {
		s.logger.Warn().Str("operator", req.Operator).Msg("failed login attempt")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.jwt.GenerateToken(req.Operator)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   s.jwt.TokenDuration(),
	})
}

// handleHealth reports component availability without auth.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"redis":  s.snapshots.Available(),
		"locks":  s.registry.Stats(),
	})
}

// handleStatus returns the slot snapshots of every coordinator.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"coordinators": s.manager.Snapshots()})
}

// handleUserStatus returns the coordinators of one user.
func (s *Server) handleUserStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"coordinators": s.manager.UserSnapshots(c.Param("user"))})
}

// handleUserStats returns aggregate closed-trade statistics for a user.
func (s *Server) handleUserStats(c *gin.Context) {
	stats, err := s.ledger.GetUserStats(c.Request.Context(), c.Param("user"))
	if err != nil {
		s.logger.Error().Err(err).Msg("stats query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats query failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleUserTrades returns the open trades of a user.
func (s *Server) handleUserTrades(c *gin.Context) {
	trades, err := s.ledger.GetActiveTrades(c.Request.Context(), c.Param("user"))
	if err != nil {
		s.logger.Error().Err(err).Msg("trades query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trades query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// handleClosePosition force-closes the position of one priority slot.
func (s *Server) handleClosePosition(c *gin.Context) {
	priority, err := strconv.Atoi(c.Param("priority"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid priority"})
		return
	}

	coord := s.manager.Get(c.Param("user"), c.Param("symbol"))
	if coord == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no coordinator for user and symbol"})
		return
	}

	if err := coord.CloseSlot(c.Request.Context(), priority, database.CloseReasonManual); err != nil {
		s.logger.Error().Err(err).Int("priority", priority).Msg("manual close failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "close failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

// handleLocks exposes lock registry counters for debugging rotation
// stalls.
func (s *Server) handleLocks(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Stats())
}
