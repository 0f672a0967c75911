package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zeromicro/go-zero/core/logx"

	"ledger-sync/internal/position"
	"ledger-sync/internal/reconciliation"
	"ledger-sync/internal/stream"
	"ledger-sync/pkg/db"
)

type reconcileRequest struct {
	Lookback string `json:"lookback"`
	TraderID string `json:"trader_id"`
	DryRun   bool   `json:"dry_run"`
}

type replaceRequest struct {
	TraderID string `json:"trader_id" binding:"required"`
	Symbol   string `json:"symbol" binding:"required"`
	Side     string `json:"side" binding:"required,oneof=LONG SHORT"`
}

type listTradesQuery struct {
	TraderID string `form:"trader" binding:"required"`
	Limit    int    `form:"limit"`
}

func (q *listTradesQuery) normalize() {
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

func unavailable(c *gin.Context, what string) {
	respondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", what+" is not configured")
}

// respondDomainError maps package sentinel errors onto HTTP statuses.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, position.ErrNoPosition):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, db.ErrTraderIDRequired), errors.Is(err, position.ErrInvalidTrade):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, position.ErrNotAdmissible), errors.Is(err, reconciliation.ErrRunInProgress):
		respondError(c, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, position.ErrConflictCheckUnavailable):
		respondError(c, http.StatusServiceUnavailable, "CONFLICT_CHECK_UNAVAILABLE", err.Error())
	default:
		logx.WithContext(c.Request.Context()).Errorf("api: %s %s err=%v", c.Request.Method, c.FullPath(), err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) streamStatuses() []stream.Status {
	out := make([]stream.Status, 0, len(s.Streams))
	for _, st := range s.Streams {
		out = append(out, st.Status())
	}
	return out
}

func (s *Server) health(c *gin.Context) {
	status := "ok"
	for _, st := range s.streamStatuses() {
		if st.Fatal != "" {
			status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "version": s.Version})
}

func (s *Server) getStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": s.streamStatuses()})
}

func (s *Server) getPositions(c *gin.Context) {
	if s.Positions == nil {
		unavailable(c, "position manager")
		return
	}
	trader := c.Param("trader")
	positions, err := s.Positions.Positions(c.Request.Context(), trader)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trader_id": trader, "positions": positions})
}

func (s *Server) getTrades(c *gin.Context) {
	if s.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()
	trades, err := s.Ledger.ListTradesByTrader(c.Request.Context(), q.TraderID, q.Limit)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getBalances(c *gin.Context) {
	if s.Balances == nil {
		unavailable(c, "balance state")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balances":  s.Balances.Snapshot(),
		"last_sync": s.Balances.LastSync(),
	})
}

func (s *Server) getPrices(c *gin.Context) {
	if s.Prices == nil {
		unavailable(c, "price cache")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"prices": s.Prices.GetAll(),
		"stats":  s.Prices.Stats(),
	})
}

func (s *Server) getCooldowns(c *gin.Context) {
	if s.Cooldowns == nil {
		unavailable(c, "cooldown manager")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cooldowns": s.Cooldowns.Active(c.Query("symbol"), c.Query("trader"))})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		unavailable(c, "metrics")
		return
	}
	body := gin.H{
		"metrics":       s.Metrics.GetSnapshot(),
		"notifications": s.Notifier.Stats(),
	}
	if s.Venue != nil {
		body["venue"] = s.Venue.Status()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) runReconcile(c *gin.Context) {
	if s.Reconciler == nil {
		unavailable(c, "reconciliation")
		return
	}
	var req reconcileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
			return
		}
	}
	opts := reconciliation.Options{TraderID: strings.TrimSpace(req.TraderID), DryRun: req.DryRun}
	if req.Lookback != "" {
		d, err := time.ParseDuration(req.Lookback)
		if err != nil || d <= 0 {
			respondError(c, http.StatusBadRequest, "INVALID_LOOKBACK", "lookback must be a positive duration")
			return
		}
		opts.Lookback = d
	}

	logx.WithContext(c.Request.Context()).Infof("api: reconcile requested operator=%s lookback=%s dry_run=%v",
		CurrentOperator(c), opts.Lookback, opts.DryRun)
	rep, err := s.Reconciler.Run(c.Request.Context(), opts)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) getReconcileRuns(c *gin.Context) {
	if s.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	runs, err := s.Ledger.ListReconciliationRuns(c.Request.Context(), 20)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) admitTrade(c *gin.Context) {
	if s.Positions == nil {
		unavailable(c, "position manager")
		return
	}
	id := c.Param("id")
	out, err := s.Positions.AdmitTrade(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	logx.WithContext(c.Request.Context()).Infof("api: admit trade=%s operator=%s action=%s", id, CurrentOperator(c), out.Action)
	c.JSON(http.StatusOK, out)
}

func (s *Server) replaceTrade(c *gin.Context) {
	if s.Positions == nil {
		unavailable(c, "position manager")
		return
	}
	var req replaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	id := c.Param("id")
	out, err := s.Positions.Replace(c.Request.Context(), req.TraderID, strings.ToUpper(req.Symbol), db.Side(req.Side), id)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	logx.WithContext(c.Request.Context()).Infof("api: replace trade=%s operator=%s primary=%s", id, CurrentOperator(c), out.PrimaryTradeID)
	c.JSON(http.StatusOK, out)
}
