package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trading-engine/internal/strategy"
	"trading-engine/pkg/db"
)

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// getStatus reports the runtime mode and a one-glance summary of the
// engine state.
func (s *Server) getStatus(c *gin.Context) {
	mode := "LIVE"
	if s.Meta.DryRun {
		mode = "DRY_RUN"
	}
	bal := s.Balance.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"mode":           mode,
		"dry_run":        s.Meta.DryRun,
		"venue":          s.Meta.Venue,
		"symbols":        s.Meta.Symbols,
		"interval":       s.Meta.Interval,
		"use_mock_feed":  s.Meta.UseMockFeed,
		"version":        s.Meta.Version,
		"server_time":    time.Now().UTC(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"strategies":     s.Engine.Count(),
		"open_positions": s.Engine.PositionCount(),
		"queue_depth":    s.Queue.Len(),
		"balance": gin.H{
			"asset":     s.Balance.Asset(),
			"total":     bal.Total,
			"available": bal.Available,
			"locked":    bal.Locked,
		},
		"exposure":           s.Risk.TotalExposure(),
		"today_pnl":          s.Risk.TodayPnL(),
		"within_risk_limits": s.Risk.IsWithinRiskLimits(),
	})
}

func (s *Server) strategyView(st strategy.Strategy) gin.H {
	view := gin.H{
		"name":           st.Name(),
		"kind":           st.Kind(),
		"description":    st.Description(),
		"version":        st.Version(),
		"state":          st.State().String(),
		"in_position":    st.InPosition(),
		"config":         st.Config(),
		"metrics":        st.Metrics(),
		"custom_metrics": st.CustomMetrics(),
		"errors":         st.Errors(),
	}
	if last := st.LastExecution(); !last.IsZero() {
		view["last_execution"] = last.UTC()
	}
	if id := st.PositionID(); id != "" {
		view["position_id"] = id
	}
	return view
}

func (s *Server) getStrategies(c *gin.Context) {
	names := s.Engine.Names()
	strategies := make([]gin.H, 0, len(names))
	for _, name := range names {
		st, ok := s.Engine.Get(name)
		if !ok {
			continue
		}
		strategies = append(strategies, s.strategyView(st))
	}
	c.JSON(http.StatusOK, gin.H{
		"strategies": strategies,
		"count":      len(strategies),
	})
}

func (s *Server) getStrategy(c *gin.Context) {
	name := c.Param("name")
	st, ok := s.Engine.Get(name)
	if !ok {
		respondError(c, http.StatusNotFound, "STRATEGY_NOT_FOUND", "strategy not found")
		return
	}
	view := s.strategyView(st)
	view["positions"] = s.Engine.StrategyPositions(name)
	if stats, ok := s.Engine.StrategyStatistics(name); ok {
		view["statistics"] = stats
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) startStrategy(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.Engine.Get(name); !ok {
		respondError(c, http.StatusNotFound, "STRATEGY_NOT_FOUND", "strategy not found")
		return
	}
	if err := s.Engine.StartStrategy(name); err != nil {
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
		return
	}
	s.persistActive(c.Request.Context(), name, true)
	c.JSON(http.StatusOK, gin.H{
		"status": "started",
		"state":  s.Engine.StrategyState(name).String(),
	})
}

func (s *Server) stopStrategy(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.Engine.Get(name); !ok {
		respondError(c, http.StatusNotFound, "STRATEGY_NOT_FOUND", "strategy not found")
		return
	}
	if err := s.Engine.StopStrategy(name); err != nil {
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
		return
	}
	s.persistActive(c.Request.Context(), name, false)
	c.JSON(http.StatusOK, gin.H{
		"status": "stopped",
		"state":  s.Engine.StrategyState(name).String(),
	})
}

func (s *Server) pauseStrategy(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.Engine.Get(name); !ok {
		respondError(c, http.StatusNotFound, "STRATEGY_NOT_FOUND", "strategy not found")
		return
	}
	if err := s.Engine.PauseStrategy(name); err != nil {
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "paused",
		"state":  s.Engine.StrategyState(name).String(),
	})
}

func (s *Server) resumeStrategy(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.Engine.Get(name); !ok {
		respondError(c, http.StatusNotFound, "STRATEGY_NOT_FOUND", "strategy not found")
		return
	}
	if err := s.Engine.ResumeStrategy(name); err != nil {
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "resumed",
		"state":  s.Engine.StrategyState(name).String(),
	})
}

func (s *Server) updateStrategyParams(c *gin.Context) {
	name := c.Param("name")
	st, ok := s.Engine.Get(name)
	if !ok {
		respondError(c, http.StatusNotFound, "STRATEGY_NOT_FOUND", "strategy not found")
		return
	}

	var params map[string]any
	if err := c.ShouldBindJSON(&params); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if err := st.Configure(params); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
		return
	}
	s.persistParams(c.Request.Context(), name, st)

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"config": st.Config(),
	})
}

// persistActive mirrors the start/stop action into the strategy_instances
// row so a restart comes back in the same state. Best effort: a missing
// row means the strategy was registered in code, not from config.
func (s *Server) persistActive(ctx context.Context, name string, active bool) {
	if s.Store == nil {
		return
	}
	if err := s.Store.SetStrategyInstanceActive(ctx, name, active); err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Printf("⚠️ persist strategy active flag: %v", err)
	}
}

// persistParams writes the strategy's merged config back to its
// strategy_instances row, when one exists.
func (s *Server) persistParams(ctx context.Context, name string, st strategy.Strategy) {
	if s.Store == nil {
		return
	}
	rows, err := s.Store.StrategyInstances(ctx)
	if err != nil {
		log.Printf("⚠️ persist strategy params: %v", err)
		return
	}
	for _, row := range rows {
		if row.ID != name {
			continue
		}
		raw, err := json.Marshal(st.Config())
		if err != nil {
			log.Printf("⚠️ persist strategy params: %v", err)
			return
		}
		row.Parameters = string(raw)
		row.UpdatedAt = time.Now().UnixMilli()
		if err := s.Store.UpsertStrategyInstance(ctx, row); err != nil {
			log.Printf("⚠️ persist strategy params: %v", err)
		}
		return
	}
}

func (s *Server) getPositions(c *gin.Context) {
	positions := s.Engine.Positions()
	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) getPositionHistory(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	rows, err := s.Store.PositionHistory(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"positions": rows,
		"count":     len(rows),
	})
}

// closePosition requests a market-out of an open position. The close is
// asynchronous: it goes through the order queue like any strategy exit.
func (s *Server) closePosition(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Price  float64 `json:"price"`
		Reason string  `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}

	pos, ok := s.Engine.Position(id)
	if !ok {
		respondError(c, http.StatusNotFound, "POSITION_NOT_FOUND", "position not found")
		return
	}

	price := req.Price
	if price <= 0 {
		if p, ok := s.Prices.Get(pos.Symbol); ok {
			price = p
		} else if pos.CurrentPrice > 0 {
			price = pos.CurrentPrice
		}
	}
	if price <= 0 {
		respondError(c, http.StatusBadRequest, "NO_PRICE", "no price available for "+pos.Symbol)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}

	if err := s.Coord.RequestClose(id, price, reason); err != nil {
		respondError(c, http.StatusServiceUnavailable, "CLOSE_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":      "close_requested",
		"position_id": id,
		"price":       price,
	})
}

func (s *Server) getOrders(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	rows, err := s.Store.RecentOrders(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": rows,
		"count":  len(rows),
	})
}

func (s *Server) getOpenOrders(c *gin.Context) {
	rows, err := s.Store.OpenOrders(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": rows,
		"count":  len(rows),
	})
}

func (s *Server) getTrades(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	rows, err := s.Store.RecentTrades(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades": rows,
		"count":  len(rows),
	})
}

func (s *Server) getRisk(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"config":        s.Risk.Config(),
		"statistics":    s.Risk.Statistics(),
		"alerts":        s.Risk.ActiveAlerts(),
		"within_limits": s.Risk.IsWithinRiskLimits(),
	})
}

func (s *Server) getBalance(c *gin.Context) {
	bal := s.Balance.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"asset":     s.Balance.Asset(),
		"total":     bal.Total,
		"available": bal.Available,
		"locked":    bal.Locked,
		"last_sync": bal.LastSync,
	})
}

// getPerformance combines the live per-strategy statistics with the
// persisted daily history.
func (s *Server) getPerformance(c *gin.Context) {
	var q struct {
		Days int `form:"days"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	if q.Days <= 0 {
		q.Days = 30
	}
	if q.Days > 365 {
		q.Days = 365
	}

	daily, err := s.Store.RecentRiskDays(c.Request.Context(), q.Days)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"strategies": s.Engine.AllStatistics(),
		"total_pnl":  s.Engine.TotalPnL(),
		"daily":      daily,
	})
}
