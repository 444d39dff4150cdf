package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"talon/internal/broker"
	"talon/internal/feed"
	"talon/internal/monitor"
	"talon/internal/poller"
	"talon/internal/risk"
	"talon/internal/store"

	"github.com/gin-gonic/gin"
)

// StatusSource aggregates every component's health snapshot.
type StatusSource interface {
	EngineStatus() EngineStatus
}

// EngineStatus is the /api/status payload.
type EngineStatus struct {
	Running  bool                 `json:"running"`
	Poller   poller.Status        `json:"poller"`
	Risk     risk.Status          `json:"risk"`
	Monitor  monitor.Status       `json:"monitor"`
	Feed     feed.Stats           `json:"feed"`
	Failover []feed.FailoverEvent `json:"failover_history,omitempty"`
}

// ResyncSource is the poller's synchronous resync path.
type ResyncSource interface {
	Resync(ctx context.Context, executionID uint) (poller.ResyncResult, error)
}

// RiskEventSource serves the per-strategy risk event log.
type RiskEventSource interface {
	RiskEventLog(ctx context.Context, strategyID uint, limit int) ([]store.RiskEvent, error)
}

// AccountSummary is a cached broker snapshot for one account.
type AccountSummary struct {
	Account   string               `json:"account"`
	Funds     broker.Funds         `json:"funds"`
	Positions []broker.PositionRow `json:"positions"`
}

// AccountSource serves broker snapshots through the per-account TTL cache.
type AccountSource interface {
	AccountSummary(ctx context.Context, accountID uint) (AccountSummary, error)
}

type handlers struct {
	engine   EngineController
	status   StatusSource
	poller   ResyncSource
	risk     RiskEventSource
	accounts AccountSource
}

func (h *handlers) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.EngineStatus())
}

func (h *handlers) getRiskEvents(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid strategy id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.risk.RiskEventLog(c.Request.Context(), uint(id), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy_id": id, "events": events})
}

func (h *handlers) resyncExecution(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return
	}
	result, err := h.poller.Resync(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) getAccountSummary(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	summary, err := h.accounts.AccountSummary(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handlers) startEngine(c *gin.Context) {
	if err := h.engine.StartEngine(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (h *handlers) stopEngine(c *gin.Context) {
	if err := h.engine.StopEngine(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}
