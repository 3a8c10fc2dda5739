package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"copytrade-core/internal/metrics"
	"copytrade-core/internal/relationship"
	"copytrade-core/internal/signal"
	"copytrade-core/pkg/db"
)

type followRequest struct {
	MasterID         string  `json:"master_id" binding:"required,min=1"`
	Platform         string  `json:"platform" binding:"required,min=1"`
	AllocatedCapital float64 `json:"allocated_capital" binding:"gt=0"`
	PositionSizing   string  `json:"position_sizing" binding:"required,oneof=proportional fixed kelly"`
	FixedUnitSize    float64 `json:"fixed_unit_size"`
	KellyFraction    float64 `json:"kelly_fraction"`
	MaxPositionSize  float64 `json:"max_position_size"`

	Limits struct {
		MaxDailyLoss          float64 `json:"max_daily_loss"`
		MaxDrawdown           float64 `json:"max_drawdown"`
		MaxPositionSize       float64 `json:"max_position_size"`
		MaxLeverage           float64 `json:"max_leverage"`
		CorrelationLimit      float64 `json:"correlation_limit"`
		VolatilityLimit       float64 `json:"volatility_limit"`
		CircuitBreakerEnabled bool    `json:"circuit_breaker_enabled"`
		EmergencyStopLoss     float64 `json:"emergency_stop_loss"`
		MaxSlippage           float64 `json:"max_slippage"`
		MaxLatencyMs          int64   `json:"max_latency_ms"`
	} `json:"risk_limits"`

	Settings struct {
		MaxLatencyMs      int64    `json:"max_latency_ms"`
		AllowPartialFills bool     `json:"allow_partial_fills"`
		MaxSlippage       float64  `json:"max_slippage"`
		ExcludedPlatforms []string `json:"excluded_platforms"`
	} `json:"replication_settings"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func limitQuery(c *gin.Context, def, max int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"dry_run":       s.Meta.DryRun,
		"platforms":     s.Meta.Platforms,
		"version":       s.Meta.Version,
		"relationships": len(s.Store.List()),
	})
}

func (s *Server) listMasters(c *gin.Context) {
	masters, err := s.Queries.ListMasterProfiles(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(masters))
	for _, m := range masters {
		out = append(out, gin.H{
			"id":                     m.ID,
			"display_name":           m.DisplayName,
			"strategy_type":          m.StrategyType,
			"risk_level":             m.RiskLevel,
			"account_size":           m.AccountSize,
			"performance_fee":        m.PerformanceFee,
			"verified":               m.Verified,
			"is_accepting_followers": m.IsAcceptingFollowers,
			"max_followers":          m.MaxFollowers,
			"min_investment":         m.MinInvestment,
		})
	}
	c.JSON(http.StatusOK, gin.H{"masters": out})
}

// ingestSignal accepts one master-trade event and fans it out to followers.
// Redelivery of an already-seen master_trade_id is accepted with zero new
// sessions.
func (s *Server) ingestSignal(c *gin.Context) {
	var ev signal.RawTradeEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	created, err := s.Engine.HandleMasterTrade(c.Request.Context(), ev)
	if err != nil {
		if errors.Is(err, signal.ErrInvalidSignal) {
			respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "INGEST_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"master_trade_id":  ev.MasterTradeID,
		"sessions_created": created,
	})
}

func (s *Server) getSignal(c *gin.Context) {
	sig, err := s.Queries.GetSignal(c.Request.Context(), c.Param("tradeId"))
	if err == db.ErrNotFound {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "unknown master trade id")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, signalView(*sig))
}

func (s *Server) listSignalSessions(c *gin.Context) {
	sessions, err := s.Queries.ListSessionsBySignal(c.Request.Context(), c.Param("tradeId"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessionViews(sessions)})
}

func (s *Server) listRelationships(c *gin.Context) {
	rels := s.Store.ListByFollower(CurrentUserID(c))
	out := make([]gin.H, 0, len(rels))
	for _, r := range rels {
		out = append(out, relationshipView(r))
	}
	c.JSON(http.StatusOK, gin.H{"relationships": out})
}

func (s *Server) followMaster(c *gin.Context) {
	var req followRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	ctx := c.Request.Context()
	master, err := s.Queries.GetMasterProfile(ctx, req.MasterID)
	if err == db.ErrNotFound {
		respondError(c, http.StatusNotFound, "UNKNOWN_MASTER", "master trader not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if !master.IsAcceptingFollowers {
		respondError(c, http.StatusConflict, "NOT_ACCEPTING", "master is not accepting followers")
		return
	}
	if master.MinInvestment > 0 && req.AllocatedCapital < master.MinInvestment {
		respondError(c, http.StatusBadRequest, "BELOW_MIN_INVESTMENT", "allocated capital below master's minimum")
		return
	}

	rel := db.Relationship{
		FollowerID:       CurrentUserID(c),
		MasterID:         req.MasterID,
		Platform:         strings.ToLower(strings.TrimSpace(req.Platform)),
		AllocatedCapital: req.AllocatedCapital,
		PositionSizing:   req.PositionSizing,
		FixedUnitSize:    req.FixedUnitSize,
		KellyFraction:    req.KellyFraction,
		MaxPositionSize:  req.MaxPositionSize,
		Limits:           db.RiskLimits(req.Limits),
		Settings:         db.ReplicationSettings(req.Settings),
		Status:           db.RelationshipActive,
	}

	created, err := s.Engine.Follow(ctx, rel)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
		return
	}
	c.JSON(http.StatusCreated, relationshipView(created))
}

// ownRelationship loads a relationship and enforces follower ownership.
func (s *Server) ownRelationship(c *gin.Context) (db.Relationship, bool) {
	rel, ok := s.Store.Get(c.Param("id"))
	if !ok || rel.FollowerID != CurrentUserID(c) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "relationship not found")
		return db.Relationship{}, false
	}
	return rel, true
}

func (s *Server) getRelationship(c *gin.Context) {
	rel, ok := s.ownRelationship(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, relationshipView(rel))
}

func (s *Server) listRelationshipSessions(c *gin.Context) {
	rel, ok := s.ownRelationship(c)
	if !ok {
		return
	}
	sessions, err := s.Queries.ListSessionsByRelationship(c.Request.Context(), rel.ID, limitQuery(c, 100, 500))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessionViews(sessions)})
}

func (s *Server) getRelationshipRisk(c *gin.Context) {
	rel, ok := s.ownRelationship(c)
	if !ok {
		return
	}
	snap := s.Tracker.Snapshot(rel.ID)
	c.JSON(http.StatusOK, gin.H{
		"relationship_id": rel.ID,
		"snapshot":        snap,
		"limits": gin.H{
			"max_daily_loss":          rel.Limits.MaxDailyLoss,
			"max_drawdown":            rel.Limits.MaxDrawdown,
			"max_leverage":            rel.Limits.MaxLeverage,
			"correlation_limit":       rel.Limits.CorrelationLimit,
			"volatility_limit":        rel.Limits.VolatilityLimit,
			"circuit_breaker_enabled": rel.Limits.CircuitBreakerEnabled,
		},
	})
}

// command executes one relationship lifecycle transition.
func (s *Server) command(c *gin.Context, action string, run func(id string) error) {
	rel, ok := s.ownRelationship(c)
	if !ok {
		return
	}
	if err := run(rel.ID); err != nil {
		switch {
		case errors.Is(err, relationship.ErrTerminalStatus), errors.Is(err, relationship.ErrInvalidTransition):
			respondError(c, http.StatusConflict, "INVALID_TRANSITION", err.Error())
		default:
			log.Printf("api: %s %s: %v", action, rel.ID, err)
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}
	updated, _ := s.Store.Get(rel.ID)
	c.JSON(http.StatusOK, relationshipView(updated))
}

func (s *Server) startCopyTrading(c *gin.Context) {
	s.command(c, "start", func(id string) error {
		return s.Engine.StartCopyTrading(c.Request.Context(), id)
	})
}

func (s *Server) pauseCopyTrading(c *gin.Context) {
	s.command(c, "pause", func(id string) error {
		return s.Engine.PauseCopyTrading(c.Request.Context(), id)
	})
}

func (s *Server) stopCopyTrading(c *gin.Context) {
	s.command(c, "stop", func(id string) error {
		return s.Engine.StopCopyTrading(c.Request.Context(), id)
	})
}

func (s *Server) unfollowTrader(c *gin.Context) {
	s.command(c, "unfollow", func(id string) error {
		return s.Engine.UnfollowTrader(c.Request.Context(), id)
	})
}

func (s *Server) getSession(c *gin.Context) {
	session, ok := s.ownSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionView(session))
}

func (s *Server) listSessionResults(c *gin.Context) {
	session, ok := s.ownSession(c)
	if !ok {
		return
	}
	results, err := s.Queries.ListResultsBySession(c.Request.Context(), session.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(results))
	for _, r := range results {
		out = append(out, gin.H{
			"id":                r.ID,
			"attempt":           r.Attempt,
			"success":           r.Success,
			"order_id":          r.OrderID,
			"filled_qty":        r.FilledQty,
			"fill_price":        r.FillPrice,
			"remaining_qty":     r.RemainingQty,
			"fees":              r.Fees,
			"replication_delay": r.ReplicationDelay,
			"slippage":          r.Slippage,
			"error_message":     r.ErrorMessage,
			"created_at":        r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

// ownSession loads a session and enforces ownership via its relationship.
func (s *Server) ownSession(c *gin.Context) (db.Session, bool) {
	session, err := s.Queries.GetSession(c.Request.Context(), c.Param("id"))
	if err == db.ErrNotFound {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "session not found")
		return db.Session{}, false
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return db.Session{}, false
	}
	rel, ok := s.Store.Get(session.RelationshipID)
	if !ok || rel.FollowerID != CurrentUserID(c) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "session not found")
		return db.Session{}, false
	}
	return *session, true
}

func (s *Server) getPlatformMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"platforms": s.Aggregator.Platforms()})
}

func (s *Server) getPerformance(c *gin.Context) {
	c.JSON(http.StatusOK, s.Aggregator.Performance())
}

// setPerformance accepts externally computed statistics for pass-through.
func (s *Server) setPerformance(c *gin.Context) {
	var p metrics.PerformanceMetrics
	if err := c.BindJSON(&p); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	s.Aggregator.SetPerformance(p)
	c.JSON(http.StatusOK, s.Aggregator.Performance())
}

func relationshipView(r db.Relationship) gin.H {
	return gin.H{
		"id":                r.ID,
		"follower_id":       r.FollowerID,
		"master_id":         r.MasterID,
		"platform":          r.Platform,
		"allocated_capital": r.AllocatedCapital,
		"position_sizing":   r.PositionSizing,
		"status":            r.Status,
		"total_trades":      r.TotalTrades,
		"successful_trades": r.SuccessfulTrades,
		"failed_trades":     r.FailedTrades,
		"total_pnl":         r.TotalPnl,
		"created_at":        r.CreatedAt,
	}
}

func signalView(sig db.TradeSignal) gin.H {
	return gin.H{
		"master_trade_id": sig.MasterTradeID,
		"master_id":       sig.MasterID,
		"symbol":          sig.Symbol,
		"side":            sig.Side,
		"qty":             sig.Qty,
		"price":           sig.Price,
		"order_type":      sig.OrderType,
		"leverage":        sig.Leverage,
		"platform":        sig.Platform,
		"signal_time":     sig.SignalTime,
	}
}

func sessionView(s db.Session) gin.H {
	return gin.H{
		"id":                   s.ID,
		"master_trade_id":      s.MasterTradeID,
		"relationship_id":      s.RelationshipID,
		"status":               s.Status,
		"replication_delay_ms": s.ReplicationDelay,
		"slippage":             s.Slippage,
		"fill_quality":         s.FillQuality,
		"retry_count":          s.RetryCount,
		"error_message":        s.ErrorMessage,
		"created_at":           s.CreatedAt,
		"updated_at":           s.UpdatedAt,
	}
}

func sessionViews(sessions []db.Session) []gin.H {
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView(s))
	}
	return out
}
